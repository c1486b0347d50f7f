package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/gig-escrow/internal/gateway"
	"github.com/ignatzorin/gig-escrow/internal/logger"
	"github.com/ignatzorin/gig-escrow/internal/models"
	"github.com/ignatzorin/gig-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/gig-escrow/internal/repository"
	"github.com/ignatzorin/gig-escrow/internal/validation"
)

// ConnectConfig: параметры подключения продавцов.
type ConnectConfig struct {
	Countries   []string
	FrontendURL string
	Retry       gateway.RetryPolicy
}

// ConnectService подключает продавцов к шлюзу и отвечает, можно ли им платить.
type ConnectService struct {
	store repository.Store
	gw    gateway.Gateway
	cfg   ConnectConfig
}

func NewConnectService(store repository.Store, gw gateway.Gateway, cfg ConnectConfig) *ConnectService {
	return &ConnectService{store: store, gw: gw, cfg: cfg}
}

// Onboarding: ссылка на анкету шлюза для продавца.
type Onboarding struct {
	OnboardingURL string `json:"onboarding_url"`
	AccountID     string `json:"account_id"`
}

// AccountState: производный статус аккаунта вместе с исходными флагами.
type AccountState struct {
	Status           models.ConnectStatus `json:"status"`
	ChargesEnabled   bool                 `json:"charges_enabled"`
	PayoutsEnabled   bool                 `json:"payouts_enabled"`
	DetailsSubmitted bool                 `json:"details_submitted"`
}

func accountState(account *models.ConnectAccount) AccountState {
	state := AccountState{Status: models.DeriveConnectStatus(account)}
	if account != nil {
		state.ChargesEnabled = account.ChargesEnabled
		state.PayoutsEnabled = account.PayoutsEnabled
		state.DetailsSubmitted = account.DetailsSubmitted
	}
	return state
}

// CreateAccount создаёт аккаунт продавца или переиспользует существующий и возвращает ссылку на анкету.
func (s *ConnectService) CreateAccount(ctx context.Context, sellerID uuid.UUID, country string) (*Onboarding, error) {
	country, err := validation.NormalizeCountryCode(country)
	if err != nil {
		return nil, apperror.Validation(err.Error())
	}
	if !s.countrySupported(country) {
		return nil, apperror.Validation("страна не поддерживается для подключения выплат")
	}

	account, err := s.store.GetConnectAccount(ctx, sellerID)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrConnectAccountNotFound):
		account, err = s.createAccount(ctx, sellerID, country)
		if err != nil {
			return nil, err
		}
	default:
		return nil, mapStoreError(err)
	}

	refreshURL := strings.TrimRight(s.cfg.FrontendURL, "/") + "/seller/payouts/refresh"
	returnURL := strings.TrimRight(s.cfg.FrontendURL, "/") + "/seller/payouts"
	var link string
	err = gateway.WithRetry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		var err error
		link, err = s.gw.CreateOnboardingLink(ctx, account.GatewayAccountID, refreshURL, returnURL)
		return err
	})
	if err != nil {
		return nil, gatewayError(err)
	}
	return &Onboarding{OnboardingURL: link, AccountID: account.GatewayAccountID}, nil
}

func (s *ConnectService) createAccount(ctx context.Context, sellerID uuid.UUID, country string) (*models.ConnectAccount, error) {
	key := gateway.IdempotencyKey(gateway.ScopeAccount, sellerID.String(), 1)
	var ref gateway.AccountRef
	err := gateway.WithRetry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		var err error
		ref, err = s.gw.CreateConnectAccount(ctx, sellerID.String(), country, key)
		return err
	})
	if err != nil {
		return nil, gatewayError(err)
	}

	account := &models.ConnectAccount{
		SellerID:         sellerID,
		GatewayAccountID: ref.ID,
		Country:          country,
	}
	if err := s.store.CreateConnectAccount(ctx, account); err != nil {
		if errors.Is(err, repository.ErrConnectAccountExists) {
			// Параллельный запрос успел раньше; ключ идемпотентности вернул тот же аккаунт.
			return s.store.GetConnectAccount(ctx, sellerID)
		}
		return nil, mapStoreError(err)
	}

	logger.Log.WithFields(logrus.Fields{
		"seller_id":  sellerID,
		"account_id": ref.ID,
		"country":    country,
	}).Info("connect account created")
	return account, nil
}

func (s *ConnectService) countrySupported(country string) bool {
	for _, c := range s.cfg.Countries {
		if c == country {
			return true
		}
	}
	return false
}

// Status перечитывает флаги из шлюза и возвращает производный статус.
func (s *ConnectService) Status(ctx context.Context, sellerID uuid.UUID) (AccountState, error) {
	account, err := s.Refresh(ctx, sellerID)
	if err != nil {
		if errors.Is(err, apperror.ErrConnectAccountNotFound) {
			return accountState(nil), nil
		}
		return AccountState{}, err
	}
	return accountState(account), nil
}

// Refresh обновляет флаги аккаунта из шлюза с проверкой версии.
func (s *ConnectService) Refresh(ctx context.Context, sellerID uuid.UUID) (*models.ConnectAccount, error) {
	account, err := s.store.GetConnectAccount(ctx, sellerID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	var status gateway.AccountStatus
	err = gateway.WithRetry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		var err error
		status, err = s.gw.GetAccountStatus(ctx, account.GatewayAccountID)
		return err
	})
	if err != nil {
		return nil, gatewayError(err)
	}

	var out *models.ConnectAccount
	err = withVersionRetry(ctx, func() error {
		current, err := s.store.GetConnectAccount(ctx, sellerID)
		if err != nil {
			return err
		}
		current.ChargesEnabled = status.ChargesEnabled
		current.PayoutsEnabled = status.PayoutsEnabled
		current.DetailsSubmitted = status.DetailsSubmitted
		if err := s.store.UpdateConnectAccount(ctx, current); err != nil {
			return err
		}
		out = current
		return nil
	})
	if err != nil {
		return nil, mapStoreError(err)
	}
	return out, nil
}

// Dashboard: одноразовая ссылка в кабинет продавца у шлюза.
type Dashboard struct {
	URL string `json:"url"`
}

// DashboardLink выдаёт ссылку в кабинет шлюза, где продавец видит баланс и банковские реквизиты.
// До заполнения анкеты шлюз ссылку не выдаёт и отвечает отказом.
func (s *ConnectService) DashboardLink(ctx context.Context, sellerID uuid.UUID) (*Dashboard, error) {
	account, err := s.store.GetConnectAccount(ctx, sellerID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	var link string
	err = gateway.WithRetry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		var err error
		link, err = s.gw.CreateLoginLink(ctx, account.GatewayAccountID)
		return err
	})
	if err != nil {
		return nil, gatewayError(err)
	}
	return &Dashboard{URL: link}, nil
}

// ApplyAccountEvent применяет account.updated внутри транзакции вебхука.
// События старше последнего применённого пропускаются.
func (s *ConnectService) ApplyAccountEvent(ctx context.Context, st repository.Store, account *models.ConnectAccount,
	status gateway.AccountStatus, eventAt time.Time) (bool, error) {
	if account.LastEventAt != nil && !eventAt.After(*account.LastEventAt) {
		return false, nil
	}
	at := eventAt.UTC()
	account.ChargesEnabled = status.ChargesEnabled
	account.PayoutsEnabled = status.PayoutsEnabled
	account.DetailsSubmitted = status.DetailsSubmitted
	account.LastEventAt = &at
	if err := st.UpdateConnectAccount(ctx, account); err != nil {
		return false, err
	}

	logger.Log.WithFields(logrus.Fields{
		"seller_id": account.SellerID,
		"status":    models.DeriveConnectStatus(account),
	}).Info("connect account updated")
	return true, nil
}

// gatewayError переводит ошибки шлюза, не связанные с конкретной транзакцией.
func gatewayError(err error) error {
	if rej, ok := gateway.AsRejection(err); ok {
		return apperror.GatewayRejection(rej.Code, err)
	}
	if errors.Is(err, gateway.ErrNotFound) {
		return apperror.ErrConnectAccountNotFound
	}
	return apperror.GatewayTransient(err)
}

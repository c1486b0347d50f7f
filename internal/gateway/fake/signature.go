package fake

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ignatzorin/gig-escrow/internal/gateway"
)

// SignatureHeader: заголовок с подписью вебхука.
const SignatureHeader = "X-Gateway-Signature"

// DefaultTolerance: допустимое расхождение времени подписи.
const DefaultTolerance = 5 * time.Minute

// Sign возвращает значение заголовка "t=<unix>,v1=<hex>" для тела запроса.
func Sign(secret string, payload []byte, ts time.Time) string {
	unix := ts.Unix()
	return fmt.Sprintf("t=%d,v1=%s", unix, computeMAC(secret, unix, payload))
}

func computeMAC(secret string, unix int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(unix, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify проверяет подпись и окно времени.
func Verify(secret string, payload []byte, header string, now time.Time, tolerance time.Duration) error {
	var (
		unix int64
		sigs []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return gateway.ErrInvalidSignature
			}
			unix = parsed
		case "v1":
			sigs = append(sigs, value)
		}
	}
	if unix == 0 || len(sigs) == 0 {
		return gateway.ErrInvalidSignature
	}

	if tolerance > 0 {
		signedAt := time.Unix(unix, 0)
		if now.Sub(signedAt) > tolerance || signedAt.Sub(now) > tolerance {
			return gateway.ErrInvalidSignature
		}
	}

	expected := computeMAC(secret, unix, payload)
	for _, sig := range sigs {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	return gateway.ErrInvalidSignature
}

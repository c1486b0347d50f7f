package logger

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Log: общий логгер сервиса. Создан сразу, чтобы пакеты могли логировать и в тестах без Init.
var Log = logrus.New()

// Init настраивает уровень и JSON-формат для production.
func Init(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Log.SetLevel(lvl)
	Log.SetFormatter(&logrus.JSONFormatter{})
}

// SetTextFormatter устанавливает текстовый формат логов (для development).
func SetTextFormatter() {
	Log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// SetOutput перенаправляет вывод, например в io.Discard в тестах.
func SetOutput(w io.Writer) {
	Log.SetOutput(w)
}

// Component возвращает запись с полем component для фоновых задач и сервисов.
func Component(name string) *logrus.Entry {
	return Log.WithField("component", name)
}

package version

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Заполняются через -ldflags "-X .../internal/version.version=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GetVersion возвращает версию сборки.
func GetVersion() string { return version }

// GetCommit возвращает commit сборки.
func GetCommit() string { return commit }

// GetDate возвращает дату сборки.
func GetDate() string { return date }

// LogFields — поля сборки для стартовой записи лога.
func LogFields() log.Fields {
	return log.Fields{
		"version": version,
		"commit":  commit,
		"built":   date,
	}
}

// UserAgent формирует заголовок User-Agent для исходящих HTTP-запросов компонента.
func UserAgent(component string) string {
	return fmt.Sprintf("orderpipe-%s/%s (%s)", component, version, shortCommit())
}

func shortCommit() string {
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}

func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", version, commit, date)
}

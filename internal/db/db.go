// internal/db/db.go
package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"oracle-dashboard/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store: локальное хранилище дашборда: журнал намерений оплаты и входящих вебхуков.
// Счета и подписки живут в Oracle Engine, здесь их нет.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn, now: time.Now}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func RunMigrations(dbConn *sql.DB, dbName string) error {
	driverInstance, err := mysql.WithInstance(dbConn, &mysql.Config{
		DatabaseName: dbName,
	})
	if err != nil {
		return fmt.Errorf("не удалось создать драйвер миграций mysql: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("не удалось открыть встроенные миграции: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "mysql", driverInstance)
	if err != nil {
		slog.Error("Ошибка создания экземпляра migrate", "dbName", dbName, "error", err)
		return fmt.Errorf("ошибка создания экземпляра migrate: %w", err)
	}

	slog.Info("Применение миграций MySQL...")
	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		version, dirty, verr := m.Version()
		if verr != nil {
			slog.Error("Ошибка получения статуса миграции после неудачного Up", "migration_error", err, "status_error", verr)
		} else {
			slog.Error("Ошибка применения миграций", "current_version", version, "dirty_state", dirty, "error_up", err)
		}
		return fmt.Errorf("ошибка применения миграций MySQL: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		slog.Info("Миграции MySQL: нет изменений.")
	} else {
		slog.Info("Миграции MySQL успешно применены.")
	}
	return nil
}

// BuildDSN собирает DSN из DATABASE_DSN или из компонентов. multiStatements нужен миграциям.
func BuildDSN(dbCfg config.DatabaseConfig) (string, error) {
	var dsn string
	switch {
	case dbCfg.Path != "":
		dsn = strings.TrimPrefix(dbCfg.Path, "mysql://")
	case dbCfg.Host != "" && dbCfg.User != "" && dbCfg.DBName != "":
		port := dbCfg.Port
		if port == 0 {
			port = 3306
		}
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
			dbCfg.User, dbCfg.Password, dbCfg.Host, port, dbCfg.DBName)
	default:
		return "", fmt.Errorf("недостаточно параметров для подключения к MySQL: DSN или Host+User+DBName должны быть заданы")
	}

	for _, opt := range []string{"parseTime=true", "multiStatements=true"} {
		if strings.Contains(dsn, opt) {
			continue
		}
		if strings.Contains(dsn, "?") {
			dsn += "&" + opt
		} else {
			dsn += "?" + opt
		}
	}
	return dsn, nil
}

// dbNameFromDSN нужен драйверу миграций, когда база задана одной строкой DATABASE_DSN.
func dbNameFromDSN(dsn string) string {
	slash := strings.LastIndex(dsn, "/")
	if slash < 0 {
		return ""
	}
	name := dsn[slash+1:]
	if q := strings.Index(name, "?"); q >= 0 {
		name = name[:q]
	}
	return name
}

func safeDSN(dsn, password string) string {
	if password != "" && strings.Contains(dsn, password) {
		return strings.Replace(dsn, password, "****", 1)
	}
	if at := strings.Index(dsn, "@"); at >= 0 {
		if colon := strings.Index(dsn[:at], ":"); colon >= 0 {
			return dsn[:colon] + ":****" + dsn[at:]
		}
	}
	return dsn
}

// Open подключается к MySQL, применяет миграции и возвращает Store.
func Open(dbCfg config.DatabaseConfig) (*Store, error) {
	dsn, err := BuildDSN(dbCfg)
	if err != nil {
		return nil, err
	}
	masked := safeDSN(dsn, dbCfg.Password)
	slog.Info("Подключение к MySQL", "dsn", masked)

	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия соединения с MySQL: %w", err)
	}
	conn.SetConnMaxLifetime(3 * time.Minute)
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(10)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ошибка подключения к MySQL (ping failed): %w. DSN: %s", err, masked)
	}
	slog.Info("Успешное подключение к MySQL.")

	dbName := dbCfg.DBName
	if dbName == "" {
		dbName = dbNameFromDSN(dsn)
	}
	if err := RunMigrations(conn, dbName); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ошибка выполнения миграций MySQL: %w", err)
	}

	slog.Info("База данных MySQL инициализирована.")
	return NewStore(conn), nil
}

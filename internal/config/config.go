package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/logging"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Sheets      SheetsConfig      `mapstructure:"sheets"`
	Remote      RemoteConfig      `mapstructure:"remote"`
	SSH         SSHConfig         `mapstructure:"ssh"`
	Accounts    AccountsConfig    `mapstructure:"accounts"`
	Subaccounts SubaccountsConfig `mapstructure:"subaccounts"`
	Reconcile   ReconcileConfig   `mapstructure:"reconcile"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Timezone    string `mapstructure:"timezone"`
}

// Location resolves the operator's time zone.
func (a AppConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: app.timezone %q: %v", ErrInvalid, a.Timezone, err)
	}
	return loc, nil
}

// DatabaseConfig encapsulates PostgreSQL connectivity. DSN wins over the discrete fields.
type DatabaseConfig struct {
	DSN            string        `mapstructure:"dsn"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	Name           string        `mapstructure:"name"`
	SSLMode        string        `mapstructure:"sslmode"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// ConnString returns a pgx connection string, empty when nothing is configured.
func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	if d.Host == "" {
		return ""
	}
	port := d.Port
	if port <= 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(port)),
		Path:   "/" + d.Name,
	}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{d.SSLMode}}.Encode()
	}
	return u.String()
}

// SheetsConfig locates the spreadsheets.
type SheetsConfig struct {
	// Credentials is a service-account key file path or the key JSON itself.
	Credentials          string `mapstructure:"credentials"`
	GatewaySpreadsheetID string `mapstructure:"gateway_spreadsheet_id"`
	BalanceSpreadsheetID string `mapstructure:"balance_spreadsheet_id"`
	RosterTab            string `mapstructure:"roster_tab"`
}

// RemoteConfig covers the processor's financial API.
type RemoteConfig struct {
	FinancialURL    string        `mapstructure:"financial_url"`
	Transport       string        `mapstructure:"transport"`
	UserAgent       string        `mapstructure:"user_agent"`
	MaxRequests     int           `mapstructure:"max_requests"`
	Window          time.Duration `mapstructure:"window"`
	PageSize        int           `mapstructure:"page_size"`
	NormalTimeout   time.Duration `mapstructure:"normal_timeout"`
	NormalRetries   int           `mapstructure:"normal_retries"`
	LargeTimeout    time.Duration `mapstructure:"large_timeout"`
	LargeRetries    int           `mapstructure:"large_retries"`
	LargeRetryDelay time.Duration `mapstructure:"large_retry_delay"`
}

// SSHConfig describes the jump host.
type SSHConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	KnownHostsFile string        `mapstructure:"known_hosts_file"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
}

// LargeAccountConfig is one entry of the large-account map. Timeout is in seconds.
type LargeAccountConfig struct {
	Timeout   int `mapstructure:"timeout" json:"timeout"`
	Retries   int `mapstructure:"retries" json:"retries"`
	BatchSize int `mapstructure:"batch_size" json:"batch_size"`
}

// AccountsConfig classifies accounts by size.
type AccountsConfig struct {
	Large map[string]LargeAccountConfig `mapstructure:"large"`
}

// SubaccountsConfig drives the trigger-gated job.
type SubaccountsConfig struct {
	Mode          string        `mapstructure:"mode"`
	Tab           string        `mapstructure:"tab"`
	TriggerCell   string        `mapstructure:"trigger_cell"`
	StatusCell    string        `mapstructure:"status_cell"`
	ResultsAnchor string        `mapstructure:"results_anchor"`
	Interval      time.Duration `mapstructure:"interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	LargePause    time.Duration `mapstructure:"large_pause"`
	BatchPause    time.Duration `mapstructure:"batch_pause"`
}

// ReconcileConfig drives the database loop.
type ReconcileConfig struct {
	BalancesTab     string        `mapstructure:"balances_tab"`
	PaymentsTab     string        `mapstructure:"payments_tab"`
	BackofficeTab   string        `mapstructure:"backoffice_tab"`
	BalancesAnchor  string        `mapstructure:"balances_anchor"`
	ProbeColumn     int           `mapstructure:"probe_column"`
	BackofficeLimit int           `mapstructure:"backoffice_limit"`
	Interval        time.Duration `mapstructure:"interval"`
	ErrorDelay      time.Duration `mapstructure:"error_delay"`
	MidnightPause   time.Duration `mapstructure:"midnight_pause"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	AlertAfter      int           `mapstructure:"alert_after"`
	StateFile       string        `mapstructure:"state_file"`
}

// MetricsConfig enables the ops HTTP server when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	Dir string `mapstructure:"dir"`
}

// legacyEnv maps keys to the variable names the old scripts used.
var legacyEnv = map[string]string{
	"ssh.host":                    "SSH_HOST",
	"ssh.port":                    "SSH_PORT",
	"ssh.username":                "SSH_USERNAME",
	"ssh.password":                "SSH_PASSWORD",
	"remote.financial_url":        "url_financial",
	"database.host":               "DB_HOST",
	"database.port":               "DB_PORT",
	"database.user":               "DB_USER",
	"database.password":           "DB_PASS",
	"database.name":               "DB_NAME",
	"sheets.credentials":          "GOOGLE_SHEETS_CREDS",
	"accounts.large":              "CONTAS_GRANDES",
	"alerting.telegram.bot_token": "TELEGRAM_BOT_TOKEN",
	"alerting.telegram.chat_id":   "TELEGRAM_CHAT_ID",
}

const envPrefix = "DAILYBALANCE"

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "dailybalance")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.timezone", "America/Sao_Paulo")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.connect_timeout", "15s")

	v.SetDefault("sheets.roster_tab", "Subcontas")

	v.SetDefault("remote.financial_url", "https://api.iugu.com/v1/accounts/financial")
	v.SetDefault("remote.transport", "ssh")
	v.SetDefault("remote.user_agent", "dailybalance/1.0")
	v.SetDefault("remote.max_requests", 900)
	v.SetDefault("remote.window", "60s")
	v.SetDefault("remote.page_size", 50)
	v.SetDefault("remote.normal_timeout", "30s")
	v.SetDefault("remote.normal_retries", 2)
	v.SetDefault("remote.large_timeout", "120s")
	v.SetDefault("remote.large_retries", 5)
	v.SetDefault("remote.large_retry_delay", "30s")

	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.dial_timeout", "15s")

	v.SetDefault("subaccounts.mode", "gated-once")
	v.SetDefault("subaccounts.tab", "IUGU Subcontas")
	v.SetDefault("subaccounts.trigger_cell", "B1")
	v.SetDefault("subaccounts.status_cell", "A1")
	v.SetDefault("subaccounts.results_anchor", "A2")
	v.SetDefault("subaccounts.interval", "30m")
	v.SetDefault("subaccounts.batch_size", 3)
	v.SetDefault("subaccounts.large_pause", "3s")
	v.SetDefault("subaccounts.batch_pause", "1s")

	v.SetDefault("reconcile.balances_tab", "jaci")
	v.SetDefault("reconcile.payments_tab", "DATABASE JACI")
	v.SetDefault("reconcile.backoffice_tab", "Backoffice Ajustes")
	v.SetDefault("reconcile.balances_anchor", "A1")
	v.SetDefault("reconcile.probe_column", 9)
	v.SetDefault("reconcile.backoffice_limit", 100)
	v.SetDefault("reconcile.interval", "60s")
	v.SetDefault("reconcile.error_delay", "60s")
	v.SetDefault("reconcile.midnight_pause", "60s")
	v.SetDefault("reconcile.advisory_lock_key", int64(0x4a414349))
	v.SetDefault("reconcile.alert_after", 3)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.dir", "exports")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			largeAccountsHook(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// largeAccountsHook accepts the large-account map as a JSON string, the way
// CONTAS_GRANDES has always been provided.
func largeAccountsHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(map[string]LargeAccountConfig{})
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != target {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return map[string]LargeAccountConfig{}, nil
		}
		var out map[string]LargeAccountConfig
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("decode accounts.large json: %w", err)
		}
		return out, nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if _, err := c.App.Location(); err != nil {
		return err
	}
	if c.Remote.MaxRequests <= 0 {
		return fmt.Errorf("%w: remote.max_requests must be greater than zero", ErrInvalid)
	}
	if c.Remote.Window <= 0 {
		return fmt.Errorf("%w: remote.window must be greater than zero", ErrInvalid)
	}
	if c.Remote.PageSize <= 0 {
		return fmt.Errorf("%w: remote.page_size must be greater than zero", ErrInvalid)
	}
	switch c.Remote.Transport {
	case "ssh", "http":
	default:
		return fmt.Errorf("%w: remote.transport must be ssh or http, got %q", ErrInvalid, c.Remote.Transport)
	}
	if c.Subaccounts.Interval <= 0 {
		return fmt.Errorf("%w: subaccounts.interval must be greater than zero", ErrInvalid)
	}
	if c.Subaccounts.BatchSize <= 0 {
		return fmt.Errorf("%w: subaccounts.batch_size must be greater than zero", ErrInvalid)
	}
	if c.Reconcile.Interval <= 0 {
		return fmt.Errorf("%w: reconcile.interval must be greater than zero", ErrInvalid)
	}
	if c.Reconcile.ProbeColumn <= 0 {
		return fmt.Errorf("%w: reconcile.probe_column must be greater than zero", ErrInvalid)
	}
	for id, large := range c.Accounts.Large {
		if large.Timeout < 0 || large.Retries < 0 {
			return fmt.Errorf("%w: accounts.large[%s] cannot be negative", ErrInvalid, id)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("%w: alerting.telegram.bot_token 必须配置", ErrInvalid)
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("%w: alerting.telegram.chat_id 必须配置", ErrInvalid)
		}
	}
	return nil
}

// ValidateSubaccounts checks what the sub-account job needs beyond Validate.
func (c *Config) ValidateSubaccounts(dryRun bool) error {
	if c.Remote.FinancialURL == "" {
		return fmt.Errorf("%w: remote.financial_url is required", ErrInvalid)
	}
	if c.Sheets.GatewaySpreadsheetID == "" {
		return fmt.Errorf("%w: sheets.gateway_spreadsheet_id is required", ErrInvalid)
	}
	if c.Sheets.Credentials == "" {
		return fmt.Errorf("%w: sheets.credentials is required", ErrInvalid)
	}
	if !dryRun && c.Sheets.BalanceSpreadsheetID == "" {
		return fmt.Errorf("%w: sheets.balance_spreadsheet_id is required", ErrInvalid)
	}
	if c.Remote.Transport == "ssh" && (c.SSH.Host == "" || c.SSH.Username == "") {
		return fmt.Errorf("%w: ssh.host and ssh.username are required for the ssh transport", ErrInvalid)
	}
	return nil
}

// ValidateReconcile checks what the reconciliation loop needs beyond Validate.
func (c *Config) ValidateReconcile() error {
	if c.Database.ConnString() == "" {
		return fmt.Errorf("%w: database.dsn or database.host is required", ErrInvalid)
	}
	if c.Sheets.BalanceSpreadsheetID == "" {
		return fmt.Errorf("%w: sheets.balance_spreadsheet_id is required", ErrInvalid)
	}
	if c.Sheets.Credentials == "" {
		return fmt.Errorf("%w: sheets.credentials is required", ErrInvalid)
	}
	return nil
}

// ResolveExportDir returns either the CLI override or config default.
func (c *Config) ResolveExportDir(override string) string {
	if override != "" {
		return override
	}
	return c.Export.Dir
}

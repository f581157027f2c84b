package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds all configuration for the gserve application server.
type Config struct {
	Server struct {
		Interface       string
		Port            int
		Workers         int
		AppName         string
		TraceLogEnabled bool
	}

	Timeouts struct {
		HeartbeatInterval time.Duration
		HeartbeatTimeout  time.Duration
		GracefulShutdown  time.Duration
		WorkerStableAfter time.Duration
	}

	Restart struct {
		BackoffMin             time.Duration
		BackoffMax             time.Duration
		BackoffFactor          float64
		MaxConsecutiveFailures int
	}

	Status struct {
		Enabled   bool
		Interface string
		Port      int
		Logins    map[string]string
	}

	Store struct {
		Path string
	}

	App struct {
		SecretKey string
		OTPLength int
		OTPTTL    time.Duration
		TokenTTL  time.Duration
		DevMode   bool
	}

	SMTP struct {
		Host     string
		Port     int
		Sender   string
		Password string
	}

	Paths struct {
		LogPath  string
		BasePath string
	}
}

// LoadConfig loads the configuration from the specified INI file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	// Set default values
	cfg.Server.Interface = "0.0.0.0"
	cfg.Server.Port = 5000
	cfg.Server.Workers = 4
	cfg.Server.AppName = "chatapp"
	cfg.Server.TraceLogEnabled = false

	cfg.Timeouts.HeartbeatInterval = 5 * time.Second
	cfg.Timeouts.HeartbeatTimeout = 30 * time.Second
	cfg.Timeouts.GracefulShutdown = 30 * time.Second
	cfg.Timeouts.WorkerStableAfter = 60 * time.Second

	cfg.Restart.BackoffMin = 500 * time.Millisecond
	cfg.Restart.BackoffMax = 30 * time.Second
	cfg.Restart.BackoffFactor = 2.0
	cfg.Restart.MaxConsecutiveFailures = 8

	cfg.Status.Enabled = true
	cfg.Status.Interface = "0.0.0.0"
	cfg.Status.Port = 5001
	cfg.Status.Logins = make(map[string]string)

	cfg.App.OTPLength = 6
	cfg.App.OTPTTL = 5 * time.Minute
	cfg.App.TokenTTL = 24 * time.Hour

	cfg.SMTP.Host = "smtp.gmail.com"
	cfg.SMTP.Port = 465

	// Check if config file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Load INI file
	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("cannot load config file: %v", err)
	}

	// Set base path based on executable location
	execPath, err := os.Executable()
	if err != nil {
		execPath = "."
	}
	cfg.Paths.BasePath = filepath.Dir(execPath)

	// [server] section
	srvSec := iniFile.Section("server")
	cfg.Server.Interface = srvSec.Key("interface").MustString("0.0.0.0")
	cfg.Server.Port = srvSec.Key("port").MustInt(5000)
	cfg.Server.Workers = srvSec.Key("workers").MustInt(4)
	cfg.Server.AppName = srvSec.Key("app").MustString("chatapp")
	cfg.Server.TraceLogEnabled = srvSec.Key("trace_log").MustBool(false)

	// [timeouts] section
	toSec := iniFile.Section("timeouts")
	cfg.Timeouts.HeartbeatInterval = toSec.Key("heartbeat_interval").MustDuration(5 * time.Second)
	cfg.Timeouts.HeartbeatTimeout = toSec.Key("heartbeat_timeout").MustDuration(30 * time.Second)
	cfg.Timeouts.GracefulShutdown = toSec.Key("graceful_shutdown").MustDuration(30 * time.Second)
	cfg.Timeouts.WorkerStableAfter = toSec.Key("worker_stable_after").MustDuration(60 * time.Second)

	// [restart] section
	rsSec := iniFile.Section("restart")
	cfg.Restart.BackoffMin = rsSec.Key("backoff_min").MustDuration(500 * time.Millisecond)
	cfg.Restart.BackoffMax = rsSec.Key("backoff_max").MustDuration(30 * time.Second)
	cfg.Restart.BackoffFactor = rsSec.Key("backoff_factor").MustFloat64(2.0)
	cfg.Restart.MaxConsecutiveFailures = rsSec.Key("max_consecutive_failures").MustInt(8)

	// [status] section
	stSec := iniFile.Section("status")
	cfg.Status.Enabled = stSec.Key("enabled").MustBool(true)
	cfg.Status.Interface = stSec.Key("interface").MustString("0.0.0.0")
	cfg.Status.Port = stSec.Key("port").MustInt(5001)

	// [status_logins] section
	loginSec := iniFile.Section("status_logins")
	for _, key := range loginSec.Keys() {
		cfg.Status.Logins[key.Name()] = key.String()
	}

	// [store] section
	cfg.Store.Path = iniFile.Section("store").Key("path").String()

	// [app] section
	appSec := iniFile.Section("app")
	cfg.App.SecretKey = appSec.Key("secret_key").String()
	cfg.App.OTPLength = appSec.Key("otp_length").MustInt(6)
	cfg.App.OTPTTL = appSec.Key("otp_ttl").MustDuration(5 * time.Minute)
	cfg.App.TokenTTL = appSec.Key("token_ttl").MustDuration(24 * time.Hour)
	cfg.App.DevMode = appSec.Key("dev_mode").MustBool(false)

	// [smtp] section
	smtpSec := iniFile.Section("smtp")
	cfg.SMTP.Host = smtpSec.Key("host").MustString("smtp.gmail.com")
	cfg.SMTP.Port = smtpSec.Key("port").MustInt(465)
	cfg.SMTP.Sender = smtpSec.Key("sender").String()
	cfg.SMTP.Password = smtpSec.Key("password").String()

	// Environment overrides, kept compatible with the original container
	// contract (PORT, SECRET_KEY, EMAIL_ADDRESS, EMAIL_PASSWORD).
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if key := os.Getenv("SECRET_KEY"); key != "" {
		cfg.App.SecretKey = key
	}
	if sender := os.Getenv("EMAIL_ADDRESS"); sender != "" {
		cfg.SMTP.Sender = sender
	}
	if pass := os.Getenv("EMAIL_PASSWORD"); pass != "" {
		cfg.SMTP.Password = pass
	}

	// Set paths
	if logPath := os.Getenv("LOG_PATH"); logPath != "" {
		cfg.Paths.LogPath = logPath
	} else {
		cfg.Paths.LogPath = filepath.Join(cfg.Paths.BasePath, "logs")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration values that would make the server
// unable to start or supervise workers correctly.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Workers < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", c.Server.Workers)
	}
	if c.Timeouts.HeartbeatTimeout <= c.Timeouts.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout (%s) must exceed heartbeat interval (%s)",
			c.Timeouts.HeartbeatTimeout, c.Timeouts.HeartbeatInterval)
	}
	if c.Restart.BackoffMin <= 0 || c.Restart.BackoffMax < c.Restart.BackoffMin {
		return fmt.Errorf("invalid restart backoff range: min=%s max=%s",
			c.Restart.BackoffMin, c.Restart.BackoffMax)
	}
	if c.Restart.BackoffFactor <= 1.0 {
		return fmt.Errorf("backoff factor must be greater than 1.0, got %g", c.Restart.BackoffFactor)
	}
	return nil
}

// BindAddr returns the address:port string the listening socket binds to.
func (c *Config) BindAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Interface, c.Server.Port)
}

// StatusAddr returns the address:port string of the status API.
func (c *Config) StatusAddr() string {
	return fmt.Sprintf("%s:%d", c.Status.Interface, c.Status.Port)
}

// Save writes the current configuration to the specified file.
func (c *Config) Save(path string) error {
	file := ini.Empty()

	srvSec, _ := file.NewSection("server")
	srvSec.NewKey("interface", c.Server.Interface)
	srvSec.NewKey("port", fmt.Sprintf("%d", c.Server.Port))
	srvSec.NewKey("workers", fmt.Sprintf("%d", c.Server.Workers))
	srvSec.NewKey("app", c.Server.AppName)
	srvSec.NewKey("trace_log", fmt.Sprintf("%t", c.Server.TraceLogEnabled))

	toSec, _ := file.NewSection("timeouts")
	toSec.NewKey("heartbeat_interval", c.Timeouts.HeartbeatInterval.String())
	toSec.NewKey("heartbeat_timeout", c.Timeouts.HeartbeatTimeout.String())
	toSec.NewKey("graceful_shutdown", c.Timeouts.GracefulShutdown.String())
	toSec.NewKey("worker_stable_after", c.Timeouts.WorkerStableAfter.String())

	rsSec, _ := file.NewSection("restart")
	rsSec.NewKey("backoff_min", c.Restart.BackoffMin.String())
	rsSec.NewKey("backoff_max", c.Restart.BackoffMax.String())
	rsSec.NewKey("backoff_factor", fmt.Sprintf("%g", c.Restart.BackoffFactor))
	rsSec.NewKey("max_consecutive_failures", fmt.Sprintf("%d", c.Restart.MaxConsecutiveFailures))

	stSec, _ := file.NewSection("status")
	stSec.NewKey("enabled", fmt.Sprintf("%t", c.Status.Enabled))
	stSec.NewKey("interface", c.Status.Interface)
	stSec.NewKey("port", fmt.Sprintf("%d", c.Status.Port))

	loginSec, _ := file.NewSection("status_logins")
	for user, pass := range c.Status.Logins {
		loginSec.NewKey(user, pass)
	}

	storeSec, _ := file.NewSection("store")
	storeSec.NewKey("path", c.Store.Path)

	appSec, _ := file.NewSection("app")
	appSec.NewKey("secret_key", c.App.SecretKey)
	appSec.NewKey("otp_length", fmt.Sprintf("%d", c.App.OTPLength))
	appSec.NewKey("otp_ttl", c.App.OTPTTL.String())
	appSec.NewKey("token_ttl", c.App.TokenTTL.String())
	appSec.NewKey("dev_mode", fmt.Sprintf("%t", c.App.DevMode))

	smtpSec, _ := file.NewSection("smtp")
	smtpSec.NewKey("host", c.SMTP.Host)
	smtpSec.NewKey("port", fmt.Sprintf("%d", c.SMTP.Port))
	smtpSec.NewKey("sender", c.SMTP.Sender)
	smtpSec.NewKey("password", c.SMTP.Password)

	return file.SaveTo(path)
}

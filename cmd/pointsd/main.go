package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/speakle/rewards/internal/httpapi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagConfig             = "config"
	flagDatabaseURL        = "database-url"
	flagStoreDriver        = "store-driver"
	flagHTTPListenAddr     = "http-listen-addr"
	flagGRPCListenAddr     = "grpc-listen-addr"
	flagLockTimeout        = "lock-timeout"
	flagBalanceFloor       = "balance-floor"
	flagAttendanceTimezone = "attendance-timezone"
	flagBaseReward         = "baseReward"
	flagStreakBonusEvery   = "streakBonusEvery"
	flagStreakBonusAmount  = "streakBonusAmount"
	flagRedisAddr          = "redis-addr"
	flagRedisPassword      = "redis-password"
	flagRedisDB            = "redis-db"
	flagCacheTTL           = "cache-ttl"
	flagReconcileInterval  = "reconcile-interval"
	flagLogLevel           = "log-level"
	flagLogPath            = "log-path"
	flagAllowedOrigins     = "allowed-origins"
	flagJWTSigningKey      = "jwt-signing-key"
	flagJWTIssuer          = "jwt-issuer"
	flagJWTCookieName      = "jwt-cookie-name"
	flagRateLimitPerMinute = "rate-limit-per-minute"
	envPrefix              = "POINTSD"

	storeDriverGorm = "gorm"
	storeDriverPgx  = "pgx"

	defaultDatabaseURL       = "sqlite:///tmp/points.db"
	defaultHTTPListenAddr    = ":8080"
	defaultGRPCListenAddr    = ":7000"
	defaultBaseReward        = 10
	defaultStreakBonusEvery  = 7
	defaultStreakBonusAmount = 5
	defaultCacheTTL          = 5 * time.Minute
	defaultReconcileInterval = time.Hour
)

var boundFlags = []string{
	flagDatabaseURL, flagStoreDriver, flagHTTPListenAddr, flagGRPCListenAddr, flagLockTimeout,
	flagBalanceFloor, flagAttendanceTimezone, flagBaseReward, flagStreakBonusEvery, flagStreakBonusAmount,
	flagRedisAddr, flagRedisPassword, flagRedisDB, flagCacheTTL, flagReconcileInterval, flagLogLevel,
	flagLogPath, flagAllowedOrigins, flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName, flagRateLimitPerMinute,
}

type runtimeConfig struct {
	DatabaseURL        string
	StoreDriver        string
	GRPCListenAddr     string
	LockTimeout        time.Duration
	BalanceFloor       string
	AttendanceTimezone string
	BaseReward         int64
	StreakBonusEvery   int64
	StreakBonusAmount  int64
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	CacheTTL           time.Duration
	ReconcileInterval  time.Duration
	LogLevel           string
	LogPath            string
	HTTP               httpapi.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pointsd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "pointsd",
		Short:         "Points ledger, reward accrual and attendance streak server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String(flagConfig, "", "optional config file (yaml, json or toml)")
	flags.String(flagDatabaseURL, defaultDatabaseURL, "postgres:// or sqlite:// database url")
	flags.String(flagStoreDriver, storeDriverGorm, "store implementation: gorm or pgx (pgx requires postgres)")
	flags.String(flagHTTPListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	flags.String(flagGRPCListenAddr, defaultGRPCListenAddr, "gRPC listen address (empty disables gRPC)")
	flags.Duration(flagLockTimeout, 3*time.Second, "maximum wait for a per-user account lock")
	flags.String(flagBalanceFloor, "zero", "balance floor: zero or none")
	flags.String(flagAttendanceTimezone, "UTC", "IANA zone that defines the attendance day")
	flags.Int64(flagBaseReward, defaultBaseReward, "points credited for every check-in")
	flags.Int64(flagStreakBonusEvery, defaultStreakBonusEvery, "streak length that earns one bonus step (0 disables)")
	flags.Int64(flagStreakBonusAmount, defaultStreakBonusAmount, "points per completed bonus step")
	flags.String(flagRedisAddr, "", "redis address for the account snapshot cache (empty disables)")
	flags.String(flagRedisPassword, "", "redis password")
	flags.Int(flagRedisDB, 0, "redis database index")
	flags.Duration(flagCacheTTL, defaultCacheTTL, "account snapshot cache ttl")
	flags.Duration(flagReconcileInterval, defaultReconcileInterval, "ledger reconciliation interval (0 disables)")
	flags.String(flagLogLevel, "info", "log level")
	flags.String(flagLogPath, "", "optional rolling log file")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	flags.String(flagJWTIssuer, "tauth", "expected JWT issuer")
	flags.String(flagJWTCookieName, "app_session", "JWT cookie name")
	flags.Int(flagRateLimitPerMinute, 120, "per-user request limit (negative disables)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range boundFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}
	configFile, err := cmd.Flags().GetString(flagConfig)
	if err != nil {
		return err
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(v.GetString(flagStoreDriver)))
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.LockTimeout = v.GetDuration(flagLockTimeout)
	cfg.BalanceFloor = v.GetString(flagBalanceFloor)
	cfg.AttendanceTimezone = v.GetString(flagAttendanceTimezone)
	cfg.BaseReward = v.GetInt64(flagBaseReward)
	cfg.StreakBonusEvery = v.GetInt64(flagStreakBonusEvery)
	cfg.StreakBonusAmount = v.GetInt64(flagStreakBonusAmount)
	cfg.RedisAddr = strings.TrimSpace(v.GetString(flagRedisAddr))
	cfg.RedisPassword = v.GetString(flagRedisPassword)
	cfg.RedisDB = v.GetInt(flagRedisDB)
	cfg.CacheTTL = v.GetDuration(flagCacheTTL)
	cfg.ReconcileInterval = v.GetDuration(flagReconcileInterval)
	cfg.LogLevel = v.GetString(flagLogLevel)
	cfg.LogPath = v.GetString(flagLogPath)
	cfg.HTTP = httpapi.Config{
		ListenAddr:         v.GetString(flagHTTPListenAddr),
		AllowedOrigins:     httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey:  v.GetString(flagJWTSigningKey),
		SessionIssuer:      v.GetString(flagJWTIssuer),
		SessionCookieName:  v.GetString(flagJWTCookieName),
		RateLimitPerMinute: v.GetInt(flagRateLimitPerMinute),
	}

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("%s is required", flagDatabaseURL)
	}
	if cfg.StoreDriver != storeDriverGorm && cfg.StoreDriver != storeDriverPgx {
		return fmt.Errorf("%s must be %q or %q", flagStoreDriver, storeDriverGorm, storeDriverPgx)
	}
	if cfg.ReconcileInterval < 0 {
		return fmt.Errorf("%s must not be negative", flagReconcileInterval)
	}
	return cfg.HTTP.Validate()
}

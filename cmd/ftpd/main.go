// Command ftpd wires the FTP, FTPS, and SFTP listeners together over one
// storage root and one credential source - the embedder example for the
// ftpd module, grounded on the teacher's own main.go.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/lmittmann/tint"

	"github.com/quietstack/ftpd"
	"github.com/quietstack/ftpd/auth"
	"github.com/quietstack/ftpd/sftpd"
	"github.com/quietstack/ftpd/storage"
	"github.com/quietstack/ftpd/tlsutil"
)

func main() {
	logger := setupLogger()

	logger.Info("starting ftpd")
	env, err := getEnv(logger)
	if err != nil {
		logger.Error("error reading environment", "error", err)
		os.Exit(1)
	}

	backend, err := storage.NewLocalFS(env.ftpServerRoot)
	if err != nil {
		logger.Error("error opening storage root", "root", env.ftpServerRoot, "error", err)
		os.Exit(1)
	}

	authenticator := getAuthenticator(env, logger)

	cert, err := loadOrGenerateCert(env, logger)
	if err != nil {
		logger.Error("error preparing TLS certificate", "error", err)
		os.Exit(1)
	}

	commonOpts := func(moduleName string) []ftpd.ServerOption {
		opts := []ftpd.ServerOption{
			ftpd.WithLogger(logger.With("module", moduleName)),
			ftpd.WithAuthenticator(authenticator),
			ftpd.WithPassivePortRange(env.pasvMinPort, env.pasvMaxPort),
			ftpd.WithTLS(cert),
		}
		if env.ftpServerIPv4 != "" {
			opts = append(opts, ftpd.WithAdvertisedHost(env.ftpServerIPv4))
		}
		return opts
	}
	ftpServer := ftpd.NewServer(backend, commonOpts("ftp-server")...)
	ftpsServer := ftpd.NewServer(backend, commonOpts("ftps-server")...)

	sftpServer := sftpd.NewServer(env.sftpAddr, backend, authenticator, sftpd.WithLogger(logger.With("module", "sftp-server")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := ftpServer.ListenAndServe(ctx, env.ftpAddr); err != nil {
			logger.Error("ftp server stopped", "error", err)
		}
	}()
	logger.Info("ftp server started", "addr", env.ftpAddr)

	go func() {
		if err := ftpsServer.ListenAndServeTLS(ctx, env.ftpsAddr); err != nil {
			logger.Error("ftps server stopped", "error", err)
		}
	}()
	logger.Info("ftps server started", "addr", env.ftpsAddr)

	go func() {
		if err := sftpServer.ListenAndServe(); err != nil {
			logger.Error("sftp server stopped", "error", err)
		}
	}()
	logger.Info("sftp server started", "addr", env.sftpAddr)

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	<-stopChan

	logger.Info("shutting down")
	cancel()
	sftpServer.Close()
}

func setupLogger() *slog.Logger {
	logLevel := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "DEBUG":
		logLevel = slog.LevelDebug
	case "INFO":
		logLevel = slog.LevelInfo
	case "WARN":
		logLevel = slog.LevelWarn
	case "ERROR":
		logLevel = slog.LevelError
	}

	handler := tint.NewHandler(os.Stdout, &tint.Options{
		AddSource: true,
		Level:     logLevel,
	})

	return slog.New(handler).With("app", "ftpd")
}

type environment struct {
	ftpAddr       string
	ftpsAddr      string
	sftpAddr      string
	crtFile       string
	keyFile       string
	ftpServerIPv4 string
	ftpServerRoot string
	pasvMinPort   int
	pasvMaxPort   int
	credentials   string
	defaultUser   string
	defaultPass   string
}

func getEnv(logger *slog.Logger) (*environment, error) {
	env := &environment{
		ftpAddr:       envOr("FTP_SERVER_ADDR", ":21"),
		ftpsAddr:      envOr("FTPS_SERVER_ADDR", ":990"),
		sftpAddr:      envOr("SFTP_SERVER_ADDR", ":2022"),
		ftpServerRoot: envOr("FTP_SERVER_ROOT", "."),
		ftpServerIPv4: os.Getenv("FTP_SERVER_IPV4"),
		crtFile:       os.Getenv("CRT_FILE"),
		keyFile:       os.Getenv("KEY_FILE"),
		credentials:   os.Getenv("FTP_CREDENTIALS_FILE"),
		defaultUser:   os.Getenv("FTP_DEFAULT_USER"),
		defaultPass:   os.Getenv("FTP_DEFAULT_PASS"),
	}

	var err error
	env.pasvMinPort, err = envIntOr("PASV_MIN_PORT", 49152)
	if err != nil {
		return nil, fmt.Errorf("PASV_MIN_PORT: %w", err)
	}
	env.pasvMaxPort, err = envIntOr("PASV_MAX_PORT", 65535)
	if err != nil {
		return nil, fmt.Errorf("PASV_MAX_PORT: %w", err)
	}

	logger.Info("FTP_SERVER_ADDR is", "addr", env.ftpAddr)
	logger.Info("FTPS_SERVER_ADDR is", "addr", env.ftpsAddr)
	logger.Info("SFTP_SERVER_ADDR is", "addr", env.sftpAddr)
	logger.Info("FTP_SERVER_ROOT is", "root", env.ftpServerRoot)
	logger.Info("PASV_MIN_PORT/PASV_MAX_PORT are", "min", env.pasvMinPort, "max", env.pasvMaxPort)

	return env, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// getAuthenticator builds the configured Authenticator: a JSON
// credential file if FTP_CREDENTIALS_FILE is set, a single plaintext
// default user if FTP_DEFAULT_USER/FTP_DEFAULT_PASS are set, or
// anonymous access as the last resort - mirroring the teacher's own
// GetUsers default-user fallback in main.go.
func getAuthenticator(env *environment, logger *slog.Logger) auth.Authenticator {
	if env.credentials != "" {
		a, err := auth.NewJSONFileFromPath(env.credentials)
		if err != nil {
			logger.Error("error loading credentials file, falling back to anonymous", "error", err)
			return auth.Anonymous{}
		}
		return a
	}
	if env.defaultUser != "" && env.defaultPass != "" {
		record := []struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}{{Username: env.defaultUser, Password: env.defaultPass}}
		data, err := json.Marshal(record)
		if err != nil {
			logger.Error("error encoding default credential, falling back to anonymous", "error", err)
			return auth.Anonymous{}
		}
		a, err := auth.NewJSONFileFromJSON(data)
		if err != nil {
			logger.Error("error building default credential, falling back to anonymous", "error", err)
			return auth.Anonymous{}
		}
		return a
	}
	logger.Warn("no credentials configured, allowing anonymous access")
	return auth.Anonymous{}
}

// loadOrGenerateCert loads CRT_FILE/KEY_FILE if both are set, otherwise
// generates a self-signed certificate for local development.
func loadOrGenerateCert(env *environment, logger *slog.Logger) (cert tls.Certificate, err error) {
	if env.crtFile != "" && env.keyFile != "" {
		return tlsutil.LoadCertificate(env.crtFile, env.keyFile)
	}
	logger.Warn("CRT_FILE/KEY_FILE not set, generating a self-signed certificate")
	hosts := []string{"localhost", "127.0.0.1"}
	if env.ftpServerIPv4 != "" {
		hosts = append(hosts, env.ftpServerIPv4)
	}
	return tlsutil.SelfSignedCertificate(hosts, 365*24*time.Hour)
}

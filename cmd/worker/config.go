package main

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/lmittmann/tint"

	"github.com/tendant/simple-watermarker/internal/document"
	"github.com/tendant/simple-watermarker/internal/watermark"
)

type config struct {
	NATSURL        string
	CommandSubject string
	EventSubject   string
	WorkerQueue    string
	ArchiveBucket  string
	HTTPAddr       string
	LogLevel       slog.Level
	LogFormat      string
	MaxFileBytes   int64
	Style          document.Style
}

var hexColor = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

func LoadConfig() (config, error) {
	cfg := config{
		NATSURL:        getenv("NATS_URL", "nats://127.0.0.1:4222"),
		CommandSubject: getenv("COMMAND_SUBJECT", "watermark.commands"),
		EventSubject:   getenv("EVENT_SUBJECT", "watermark.events"),
		WorkerQueue:    getenv("WORKER_QUEUE", "watermark-workers"),
		ArchiveBucket:  getenv("ARCHIVE_BUCKET", "watermark"),
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),
		LogFormat:      strings.ToLower(getenv("LOG_FORMAT", "text")),
		Style:          watermark.DefaultStyle,
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getenv("LOG_LEVEL", "info"))); err != nil {
		return config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return config{}, fmt.Errorf("LOG_FORMAT must be text or json (got %q)", cfg.LogFormat)
	}

	maxBytes, err := parsePositiveInt(getenv("MAX_FILE_BYTES", "104857600"), "MAX_FILE_BYTES")
	if err != nil {
		return config{}, err
	}
	cfg.MaxFileBytes = int64(maxBytes)

	points, err := parsePositiveInt(getenv("WATERMARK_POINTS", strconv.Itoa(cfg.Style.Points)), "WATERMARK_POINTS")
	if err != nil {
		return config{}, err
	}
	cfg.Style.Points = points

	if v := getenv("WATERMARK_OPACITY", ""); v != "" {
		opacity, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return config{}, fmt.Errorf("invalid WATERMARK_OPACITY: %w", err)
		}
		if opacity <= 0 || opacity > 1 {
			return config{}, fmt.Errorf("WATERMARK_OPACITY must be in (0, 1] (got %v)", opacity)
		}
		cfg.Style.Opacity = opacity
	}

	if v := getenv("WATERMARK_ROTATION", ""); v != "" {
		rotation, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return config{}, fmt.Errorf("invalid WATERMARK_ROTATION: %w", err)
		}
		cfg.Style.Rotation = rotation
	}

	if v := getenv("WATERMARK_COLOR", ""); v != "" {
		if !hexColor.MatchString(v) {
			return config{}, fmt.Errorf("WATERMARK_COLOR must look like #RRGGBB (got %q)", v)
		}
		cfg.Style.FillColor = strings.ToUpper(v)
	}
	if err := cfg.Style.Validate(); err != nil {
		return config{}, err
	}

	return cfg, nil
}

func newLogger(cfg config) *slog.Logger {
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: cfg.LogLevel}))
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

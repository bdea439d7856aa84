package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Load builds the configuration from the environment, then validates it.
//
// Fields are described by struct tags: env names the variable, envAlt an
// older name read when the first is empty, default the value used when
// both are empty. Every malformed value is reported, not only the first.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := decodeEnv(reflect.ValueOf(cfg).Elem(), os.Getenv); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVar is the tag set of one configuration field.
type envVar struct {
	name     string
	alt      string
	fallback string
	required bool
}

func (e envVar) lookup(getenv func(string) string) (string, error) {
	if v := getenv(e.name); v != "" {
		return v, nil
	}
	if e.alt != "" {
		if v := getenv(e.alt); v != "" {
			return v, nil
		}
	}
	if e.required {
		return "", fmt.Errorf("required environment variable %s is not set", e.name)
	}
	return e.fallback, nil
}

// decodeEnv walks the nested config groups and fills every tagged field.
func decodeEnv(v reflect.Value, getenv func(string) string) error {
	var errs []error

	for i := range v.NumField() {
		sf, fv := v.Type().Field(i), v.Field(i)
		if !fv.CanSet() {
			continue
		}
		if sf.Type.Kind() == reflect.Struct {
			if err := decodeEnv(fv, getenv); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		ev := envVar{
			name:     sf.Tag.Get("env"),
			alt:      sf.Tag.Get("envAlt"),
			fallback: sf.Tag.Get("default"),
			required: sf.Tag.Get("required") == "true",
		}
		if ev.name == "" {
			continue
		}
		raw, err := ev.lookup(getenv)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if raw == "" {
			continue
		}
		if err := assign(fv, raw); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", ev.name, raw, err))
		}
	}
	return errors.Join(errs...)
}

var durationType = reflect.TypeFor[time.Duration]()

// assign converts raw to the kind of the field.
func assign(fv reflect.Value, raw string) error {
	if fv.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		fv.SetInt(int64(d))
		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return errors.New("not an integer")
		}
		fv.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return errors.New("not a boolean")
		}
		fv.SetBool(b)
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("cannot decode into []%s", fv.Type().Elem())
		}
		fv.Set(reflect.ValueOf(splitList(raw)))
	default:
		return fmt.Errorf("cannot decode into %s", fv.Type())
	}
	return nil
}

// splitList splits a comma separated list, dropping blank items.
func splitList(raw string) []string {
	var out []string
	for item := range strings.SplitSeq(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	backend := strings.ToLower(c.Store.Backend)
	check(backend == "postgres" || backend == "memory",
		"STORE_BACKEND (%q) must be one of: postgres, memory", c.Store.Backend)
	check(backend != "postgres" || c.Database.URL != "",
		"DATABASE_URL is required when STORE_BACKEND is postgres")

	db := c.Database
	check(db.MaxConns > 0, "DB_MAX_CONNS must be positive")
	check(db.MinConns >= 0, "DB_MIN_CONNS must be non-negative")
	check(db.MaxConns >= db.MinConns, "DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)", db.MaxConns, db.MinConns)

	p := c.Parser
	check(p.Tries > 0, "PARSER_NUMBER_OF_TRIES must be positive")
	check(p.RetrySleep >= 0, "PARSER_RETRY_SLEEP_TIME must be non-negative")
	check(p.HTTPTimeout > 0, "PARSER_HTTP_TIMEOUT must be positive")
	check(p.PageSize > 0, "PARSER_PAGE_SIZE must be positive")
	if len(p.Languages) == 0 {
		check(false, "LANGUAGES must list at least one language")
	} else {
		check(slices.Contains(p.Languages, p.DefaultLanguage),
			"DEFAULT_LANGUAGE (%q) must be one of LANGUAGES (%s)", p.DefaultLanguage, strings.Join(p.Languages, ", "))
	}

	a := c.Attachment
	check(a.S3Bucket != "" || a.MediaRoot != "", "MEDIA_ROOT is required when S3_BUCKET is not set")
	check(a.MaxBytes >= 0, "PAPERCLIP_MAX_BYTES_SIZE_IMAGE must be non-negative")
	check(a.MinWidth >= 0 && a.MinHeight >= 0, "PAPERCLIP_MIN_IMAGE_UPLOAD_WIDTH and HEIGHT must be non-negative")

	check(c.Status.RedisURL == "" || c.Status.TTL > 0, "STATUS_TTL must be positive when REDIS_URL is set")

	srv := c.Server
	check(srv.Port > 0 && srv.Port <= 65535, "PORT (%d) must be between 1 and 65535", srv.Port)
	check(srv.MaxConcurrentImports > 0, "SERVER_MAX_CONCURRENT_IMPORTS must be positive")
	check(srv.MaxUploadBytes > 0, "SERVER_MAX_UPLOAD_BYTES must be positive")

	check(slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Logging.Level)),
		"LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level)
	check(slices.Contains([]string{"text", "json"}, strings.ToLower(c.Logging.Format)),
		"LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format)

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("validation failed:\n  - %s", strings.Join(problems, "\n  - "))
}

// String renders the configuration for debug logs with connection URLs masked.
func (c *Config) String() string {
	fields := []string{
		"store=" + c.Store.Backend,
		"database=" + masked(c.Database.URL),
		fmt.Sprintf("db_conns=%d..%d", c.Database.MinConns, c.Database.MaxConns),
		fmt.Sprintf("tries=%d", c.Parser.Tries),
		"retry_sleep=" + c.Parser.RetrySleep.String(),
		fmt.Sprintf("page_size=%d", c.Parser.PageSize),
		"languages=" + strings.Join(c.Parser.Languages, ","),
		"default_language=" + c.Parser.DefaultLanguage,
		"media_root=" + c.Attachment.MediaRoot,
		"s3_bucket=" + c.Attachment.S3Bucket,
		"filetype=" + c.Attachment.FileType,
		"redis=" + masked(c.Status.RedisURL),
		"status_ttl=" + c.Status.TTL.String(),
		"addr=" + c.Server.Addr(),
		"log=" + c.Logging.Level + "/" + c.Logging.Format,
	}
	return "Config{" + strings.Join(fields, " ") + "}"
}

func masked(v string) string {
	if v == "" {
		return "none"
	}
	return "[MASKED]"
}

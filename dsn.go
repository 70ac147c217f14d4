package slonik

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// ConnectionOptions is the structured form of a postgresql:// connection URI.
type ConnectionOptions struct {
	ApplicationName string
	DatabaseName    string
	Host            string
	Password        string
	Port            int
	SSLMode         string // disable, no-verify, require, ...
	Username        string
	// Options holds any other query parameters verbatim.
	Options map[string]string
}

// ParseDSN reads a postgres:// or postgresql:// URI.
func ParseDSN(dsn string) (ConnectionOptions, error) {
	var opts ConnectionOptions
	u, err := url.Parse(dsn)
	if err != nil {
		return opts, &InvalidInputError{Message: "Invalid connection URI.", Cause: err}
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return opts, &InvalidInputError{Message: fmt.Sprintf("Unsupported connection URI scheme %q.", u.Scheme)}
	}
	opts.Host = u.Hostname()
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return opts, &InvalidInputError{Message: "Invalid port in connection URI.", Cause: err}
		}
		opts.Port = port
	}
	if u.User != nil {
		opts.Username = u.User.Username()
		opts.Password, _ = u.User.Password()
	}
	opts.DatabaseName = strings.TrimPrefix(u.Path, "/")

	for key, values := range u.Query() {
		if len(values) == 0 {
			continue
		}
		value := values[len(values)-1]
		switch key {
		case "application_name":
			opts.ApplicationName = value
		case "sslmode":
			opts.SSLMode = value
		default:
			if opts.Options == nil {
				opts.Options = map[string]string{}
			}
			opts.Options[key] = value
		}
	}
	return opts, nil
}

// StringifyDSN renders opts as a postgresql:// URI. Empty fields are left
// out; query parameters are sorted by name.
func StringifyDSN(opts ConnectionOptions) string {
	u := url.URL{Scheme: "postgresql"}
	if opts.Username != "" {
		if opts.Password != "" {
			u.User = url.UserPassword(opts.Username, opts.Password)
		} else {
			u.User = url.User(opts.Username)
		}
	}
	u.Host = opts.Host
	if opts.Port != 0 {
		u.Host += ":" + strconv.Itoa(opts.Port)
	}
	if opts.DatabaseName != "" {
		u.Path = "/" + opts.DatabaseName
	}

	params := map[string]string{}
	for k, v := range opts.Options {
		params[k] = v
	}
	if opts.ApplicationName != "" {
		params["application_name"] = opts.ApplicationName
	}
	if opts.SSLMode != "" {
		params["sslmode"] = opts.SSLMode
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var q strings.Builder
	for i, k := range keys {
		if i > 0 {
			q.WriteByte('&')
		}
		q.WriteString(url.QueryEscape(k))
		q.WriteByte('=')
		q.WriteString(url.QueryEscape(params[k]))
	}
	u.RawQuery = q.String()
	return u.String()
}

// DSNBuilder builds connection URIs fluently.
type DSNBuilder struct {
	opts ConnectionOptions
}

// NewDSNBuilder starts from the default Postgres port.
func NewDSNBuilder() *DSNBuilder {
	return &DSNBuilder{opts: ConnectionOptions{Port: 5432}}
}

func (b *DSNBuilder) Host(host string) *DSNBuilder {
	b.opts.Host = host
	return b
}

func (b *DSNBuilder) Port(port int) *DSNBuilder {
	b.opts.Port = port
	return b
}

func (b *DSNBuilder) Username(username string) *DSNBuilder {
	b.opts.Username = username
	return b
}

func (b *DSNBuilder) Password(password string) *DSNBuilder {
	b.opts.Password = password
	return b
}

func (b *DSNBuilder) Database(database string) *DSNBuilder {
	b.opts.DatabaseName = database
	return b
}

func (b *DSNBuilder) ApplicationName(name string) *DSNBuilder {
	b.opts.ApplicationName = name
	return b
}

func (b *DSNBuilder) SSLMode(mode string) *DSNBuilder {
	b.opts.SSLMode = mode
	return b
}

// SetParam sets an arbitrary query parameter, e.g. connect_timeout.
func (b *DSNBuilder) SetParam(key, value string) *DSNBuilder {
	if b.opts.Options == nil {
		b.opts.Options = map[string]string{}
	}
	b.opts.Options[key] = value
	return b
}

// Validate checks the fields a server connection cannot do without.
func (b *DSNBuilder) Validate() error {
	if b.opts.Host == "" {
		return fmt.Errorf("host is required")
	}
	if b.opts.Port <= 0 || b.opts.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", b.opts.Port)
	}
	return nil
}

func (b *DSNBuilder) Build() string {
	return StringifyDSN(b.opts)
}

// BuildWithValidation builds the URI after validating the configuration
func (b *DSNBuilder) BuildWithValidation() (string, error) {
	if err := b.Validate(); err != nil {
		return "", err
	}
	return b.Build(), nil
}

// Options returns a copy of the options built so far.
func (b *DSNBuilder) Options() ConnectionOptions {
	opts := b.opts
	if b.opts.Options != nil {
		opts.Options = make(map[string]string, len(b.opts.Options))
		for k, v := range b.opts.Options {
			opts.Options[k] = v
		}
	}
	return opts
}

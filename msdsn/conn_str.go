package msdsn

import (
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type (
	Encryption int
	Log        uint64
)

const (
	EncryptionOff      = Encryption(0) // data in clear, handshake still encrypts login
	EncryptionRequired = Encryption(1) // full wrapped encryption
	EncryptionDisabled = Encryption(3) // no TLS at all
	EncryptionStrict   = Encryption(4) // TDS 8.0, TLS outermost
)

const (
	LogErrors      Log = 1
	LogMessages    Log = 2
	LogRows        Log = 4
	LogSQL         Log = 8
	LogParams      Log = 16
	LogTransaction Log = 32
	LogDebug       Log = 64
	LogRetries     Log = 128
)

const (
	DefaultPort       = 1433
	DefaultPacketSize = 4096
	MinPacketSize     = 512
	MaxPacketSize     = 32767

	defaultConnTimeout  = 15 * time.Second
	defaultMaxRedirects = 10
)

// Config describes everything needed to open a connection.
type Config struct {
	Host     string
	Port     uint64
	Instance string
	Database string
	User     string
	Password string

	// AppName is reported to the server in the login packet.
	AppName string
	// Workstation is the client host name reported in the login packet.
	Workstation string

	Encryption Encryption
	TLSConfig  *tls.Config

	TrustServerCertificate bool

	// ConnTimeout bounds the dial and TLS handshake, and each read or
	// write of the prelogin and login exchange.
	ConnTimeout time.Duration
	// CommandTimeout bounds a single request/response exchange.
	// Zero means no driver-imposed timeout.
	CommandTimeout time.Duration

	// PacketSize is the initial negotiated TDS packet size.
	PacketSize uint16

	// MaxRedirects bounds Azure routing cascades.
	MaxRedirects int

	LogFlags Log

	// NoTraceID suppresses the TRACEID prelogin field.
	NoTraceID bool
}

// ConfigError reports an invalid connection string or builder input.
// It is always terminal.
type ConfigError struct {
	Key     string
	Value   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("msdsn: invalid value %q for %q: %s", e.Value, e.Key, e.Message)
	}
	return "msdsn: " + e.Message
}

func (e *ConfigError) IsTransient() bool { return false }
func (e *ConfigError) IsTerminal() bool  { return true }

// Parse parses a semicolon separated connection string of the form
// "server=host,port;user id=sa;password=secret;database=mydb".
// Keys are case insensitive and the usual ADO aliases are recognised.
// Unknown keys are skipped; a Logger can be attached via SetLogger to
// see a diagnostic for each skipped key.
func Parse(dsn string) (Config, error) {
	p := Config{
		Port:         0,
		PacketSize:   DefaultPacketSize,
		ConnTimeout:  defaultConnTimeout,
		MaxRedirects: defaultMaxRedirects,
		Encryption:   EncryptionOff,
	}

	params, err := splitConnectionString(dsn)
	if err != nil {
		return p, err
	}

	trust := false
	encryptRaw := ""

	for key, value := range params {
		switch key {
		case "server", "data source", "host", "address", "addr", "network address":
			host, instance, port, err := splitServer(value)
			if err != nil {
				return p, err
			}
			p.Host = host
			p.Instance = instance
			if port != 0 {
				p.Port = port
			}
		case "port":
			port, err := strconv.ParseUint(value, 0, 16)
			if err != nil {
				return p, &ConfigError{key, value, "not a valid tcp port"}
			}
			p.Port = port
		case "database", "initial catalog":
			p.Database = value
		case "user id", "uid", "user":
			p.User = value
		case "password", "pwd":
			p.Password = value
		case "encrypt":
			encryptRaw = strings.ToLower(value)
		case "trustservercertificate", "trust server certificate":
			trust, err = parseBool(value)
			if err != nil {
				return p, &ConfigError{key, value, "not a valid boolean"}
			}
		case "connect timeout", "connection timeout":
			secs, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return p, &ConfigError{key, value, "not a valid number of seconds"}
			}
			p.ConnTimeout = time.Duration(secs) * time.Second
		case "command timeout":
			secs, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return p, &ConfigError{key, value, "not a valid number of seconds"}
			}
			p.CommandTimeout = time.Duration(secs) * time.Second
		case "application name", "app name", "app":
			p.AppName = value
		case "workstation id":
			p.Workstation = value
		case "packet size":
			size, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				return p, &ConfigError{key, value, "not a valid packet size"}
			}
			// Servers quietly clamp instead of rejecting, do the same.
			if size < MinPacketSize {
				size = MinPacketSize
			} else if size > MaxPacketSize {
				size = MaxPacketSize
			}
			p.PacketSize = uint16(size)
		case "max redirects":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return p, &ConfigError{key, value, "not a valid redirect count"}
			}
			p.MaxRedirects = n
		case "log":
			flags, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return p, &ConfigError{key, value, "not a valid log flag bitmask"}
			}
			p.LogFlags = Log(flags)
		default:
			if logger != nil {
				logger.Printf("msdsn: ignoring unknown connection string key %q", key)
			}
		}
	}

	switch encryptRaw {
	case "", "false", "no", "0", "off", "optional":
		p.Encryption = EncryptionOff
	case "true", "yes", "1", "on", "mandatory", "required":
		p.Encryption = EncryptionRequired
	case "disable", "disabled":
		p.Encryption = EncryptionDisabled
	case "strict":
		p.Encryption = EncryptionStrict
	default:
		return p, &ConfigError{"encrypt", encryptRaw, "expected true, false, strict or disable"}
	}

	if p.Host == "" {
		p.Host = "localhost"
	}
	p.TrustServerCertificate = trust
	if p.Encryption != EncryptionDisabled {
		p.TLSConfig = buildTLSConfig(p.Host, trust, p.Encryption)
	}
	return p, nil
}

// splitConnectionString breaks "k1=v1;k2=v2" into a key/value map with
// lower-cased, trimmed keys. Empty segments are allowed.
func splitConnectionString(dsn string) (map[string]string, error) {
	res := map[string]string{}
	for _, part := range strings.Split(dsn, ";") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, &ConfigError{Message: fmt.Sprintf("malformed segment %q, expected key=value", part)}
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		if key == "" {
			return nil, &ConfigError{Message: fmt.Sprintf("empty key in segment %q", part)}
		}
		res[key] = strings.TrimSpace(kv[1])
	}
	return res, nil
}

// splitServer handles "host", "host,port", "host\instance" and the
// local-machine shorthands "." and "(local)". An explicit port suffix
// wins over any Port key elsewhere in the string.
func splitServer(value string) (host, instance string, port uint64, err error) {
	host = value
	if idx := strings.LastIndexByte(host, ','); idx >= 0 {
		portStr := strings.TrimSpace(host[idx+1:])
		host = strings.TrimSpace(host[:idx])
		port, err = strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return "", "", 0, &ConfigError{"server", value, "port suffix is not a valid tcp port"}
		}
	}
	if bs := strings.IndexByte(host, '\\'); bs >= 0 {
		instance = host[bs+1:]
		host = host[:bs]
	}
	return normalizeHost(host), instance, port, nil
}

func normalizeHost(host string) string {
	switch host {
	case ".", "(local)", "(localdb)":
		return "localhost"
	}
	return host
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true", "yes", "1":
		return true, nil
	case "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", value)
}

func buildTLSConfig(host string, trust bool, enc Encryption) *tls.Config {
	config := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: trust,
	}
	if enc == EncryptionStrict {
		config.MinVersion = tls.VersionTLS12
	} else {
		// The pre-TDS8 handshake tunnels TLS records inside TDS
		// packets, which confuses the dynamic record sizing in
		// crypto/tls, so dynamic record sizing is disabled.
		config.DynamicRecordSizingDisabled = true
	}
	configureTLSSignatureSchemes(config)
	return config
}

// Logger is the diagnostic sink for connection string parsing.
type Logger interface {
	Printf(format string, v ...interface{})
}

var logger Logger

// SetLogger sets the sink for parse diagnostics, e.g. unknown keys.
func SetLogger(l Logger) {
	logger = l
}

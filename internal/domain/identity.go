package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Схемы транспорта identity.
const (
	SchemeDirect = "direct"
	SchemeHTTP   = "http"
	SchemeHTTPS  = "https"
	SchemeSOCKS5 = "socks5"
)

// Identity — сетевая egress-точка (прокси), через которую идут запросы сессии.
type Identity struct {
	// Address — host:port прокси. Пустой для direct.
	Address string `json:"address" yaml:"address"`

	// Scheme — схема транспорта: http, https, socks5 или direct.
	Scheme string `json:"scheme" yaml:"scheme"`

	// Health — рекомендательное состояние.
	Health HealthState `json:"health" yaml:"-"`
}

// DirectIdentity — sentinel «без прокси», возвращается пустым пулом.
// Деградированный, но допустимый вариант.
var DirectIdentity = Identity{Scheme: SchemeDirect, Health: HealthUnknown}

// IsDirect возвращает true для sentinel без прокси.
func (i Identity) IsDirect() bool {
	return i.Scheme == SchemeDirect || i.Address == ""
}

// String возвращает identity в виде URL.
func (i Identity) String() string {
	if i.IsDirect() {
		return SchemeDirect
	}
	return i.Scheme + "://" + i.Address
}

// ProxyURL возвращает URL прокси или nil для direct.
func (i Identity) ProxyURL() *url.URL {
	if i.IsDirect() {
		return nil
	}
	return &url.URL{Scheme: i.Scheme, Host: i.Address}
}

// ParseIdentity разбирает строку вида "host:port" или "scheme://host:port".
// Без схемы используется http.
func ParseIdentity(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, fmt.Errorf("empty identity")
	}
	if !strings.Contains(raw, "://") {
		raw = SchemeHTTP + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Identity{}, fmt.Errorf("parse identity %q: %w", raw, err)
	}
	switch u.Scheme {
	case SchemeHTTP, SchemeHTTPS, SchemeSOCKS5:
	default:
		return Identity{}, fmt.Errorf("unsupported identity scheme %q", u.Scheme)
	}
	if u.Host == "" || u.Port() == "" {
		return Identity{}, fmt.Errorf("identity %q: host:port required", raw)
	}
	return Identity{Address: u.Host, Scheme: u.Scheme, Health: HealthUnknown}, nil
}

// Session связывает session key с identity на время жизни сессии.
//
// Session key — стабильная строка вида "platform:email".
type Session struct {
	Key       string    `json:"session_key"`
	Identity  Identity  `json:"identity"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionKey строит ключ сессии из частей.
func SessionKey(parts ...string) string {
	return strings.ToLower(strings.Join(parts, ":"))
}

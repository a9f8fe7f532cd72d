// Package otpmigration decodes the otpauth-migration:// export of Google
// Authenticator into standard otpauth:// URIs.
package otpmigration

import (
	"encoding/base32"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

const Scheme = "otpauth-migration://"

var (
	ErrInvalidURI = errors.New("otpmigration: not an otpauth-migration URI")
	ErrNoData     = errors.New("otpmigration: no data found in migration URI")
	ErrMalformed  = errors.New("otpmigration: malformed migration payload")
)

// Algorithm values of OtpParameters.algorithm.
var algorithms = []string{"INVALID", "SHA1", "SHA256", "SHA512", "MD5"}

const (
	typeHOTP = 1
	typeTOTP = 2
)

// Parameters is one account of a migration payload.
type Parameters struct {
	Secret    []byte
	Name      string
	Issuer    string
	Algorithm string
	Digits    int
	Type      string // "totp" or "hotp"
	Counter   uint64
}

// Decode parses an otpauth-migration://offline?data=... URI and returns one
// otpauth:// URI per account, in payload order.
func Decode(uri string) ([]string, error) {
	params, err := DecodeParameters(uri)
	if err != nil {
		return nil, err
	}

	uris := make([]string, 0, len(params))
	for _, p := range params {
		if len(p.Secret) == 0 {
			continue
		}
		uris = append(uris, p.URI())
	}
	return uris, nil
}

// DecodeParameters is Decode without the conversion to URIs.
func DecodeParameters(uri string) ([]Parameters, error) {
	uri = strings.TrimSpace(uri)
	if !strings.HasPrefix(uri, Scheme) {
		return nil, ErrInvalidURI
	}

	data, err := migrationData(uri)
	if err != nil {
		return nil, err
	}
	return parsePayload(data)
}

// migrationData extracts and decodes the data parameter. The query is split
// by hand since url.ParseQuery turns '+' of the base64 text into a space.
func migrationData(uri string) ([]byte, error) {
	idx := strings.IndexByte(uri, '?')
	if idx < 0 {
		return nil, ErrNoData
	}

	var encoded string
	for _, pair := range strings.Split(uri[idx+1:], "&") {
		if v, ok := strings.CutPrefix(pair, "data="); ok {
			unescaped, err := url.PathUnescape(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			encoded = unescaped
			break
		}
	}
	if encoded == "" {
		return nil, ErrNoData
	}

	encoded = strings.ReplaceAll(encoded, " ", "+")
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if data, err := enc.DecodeString(encoded); err == nil {
			return data, nil
		}
	}
	return nil, fmt.Errorf("%w: data is not base64", ErrMalformed)
}

// parsePayload reads MigrationPayload. Only field 1 (repeated OtpParameters)
// is used; version and batch fields are skipped.
func parsePayload(b []byte) ([]Parameters, error) {
	var params []Parameters
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			p, err := parseParameters(v)
			if err != nil {
				return nil, err
			}
			params = append(params, p)
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return params, nil
}

func parseParameters(b []byte) (Parameters, error) {
	p := Parameters{Algorithm: "SHA1", Digits: 6, Type: "totp"}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && num >= 1 && num <= 3:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return p, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			switch num {
			case 1:
				p.Secret = append([]byte(nil), v...)
			case 2:
				p.Name = string(v)
			case 3:
				p.Issuer = string(v)
			}
			b = b[n:]

		case typ == protowire.VarintType && num >= 4 && num <= 7:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return p, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			switch num {
			case 4:
				if v > 0 && v < uint64(len(algorithms)) {
					p.Algorithm = algorithms[v]
				}
			case 5:
				if v == 2 {
					p.Digits = 8
				}
			case 6:
				if v == typeHOTP {
					p.Type = "hotp"
				}
			case 7:
				p.Counter = v
			}
			b = b[n:]

		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return p, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return p, nil
}

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// URI formats the account as an otpauth:// URI. The issuer falls back to the
// part of the name before ':' and then to "Unknown"; the label falls back to
// "Account".
func (p Parameters) URI() string {
	issuer := p.Issuer
	if issuer == "" {
		issuer, _, _ = strings.Cut(p.Name, ":")
	}
	if issuer == "" {
		issuer = "Unknown"
	}
	label := p.Name
	if label == "" {
		label = "Account"
	}

	var sb strings.Builder
	sb.WriteString("otpauth://")
	sb.WriteString(p.Type)
	sb.WriteString("/")
	sb.WriteString(escape(issuer))
	sb.WriteString(":")
	sb.WriteString(escape(label))
	sb.WriteString("?issuer=")
	sb.WriteString(escape(issuer))
	sb.WriteString("&secret=")
	sb.WriteString(secretEncoding.EncodeToString(p.Secret))
	sb.WriteString("&algorithm=")
	sb.WriteString(p.Algorithm)
	sb.WriteString("&digits=")
	sb.WriteString(strconv.Itoa(p.Digits))
	if p.Type == "hotp" {
		sb.WriteString("&counter=")
		sb.WriteString(strconv.FormatUint(p.Counter, 10))
	} else {
		sb.WriteString("&period=30")
	}
	return sb.String()
}

func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

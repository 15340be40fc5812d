package sshserver

import (
	"crypto/subtle"
	"errors"
	"strconv"
	"strings"
)

// Intent is the tunnel identity a creator encodes in their SSH credentials:
// username = "<user_id>:<tunnel_id>:<project_name>", password =
// "<local_port>:<shared_secret>".
type Intent struct {
	UserID      string
	TunnelID    string
	ProjectName string
	LocalPort   int
}

// Credential parse failures, by field class. These are logged server-side;
// the client only ever sees a generic authentication failure.
var (
	errBadUsernameFormat = errors.New("username must be user_id:tunnel_id:project_name")
	errBadPasswordFormat = errors.New("password must be local_port:secret")
	errBadLocalPort      = errors.New("local port out of range")
	errBadSecret         = errors.New("secret mismatch")
)

func parseCredentials(username string, password []byte, secret string) (Intent, error) {
	parts := strings.Split(username, ":")
	if len(parts) != 3 {
		return Intent{}, errBadUsernameFormat
	}

	passParts := strings.SplitN(string(password), ":", 2)
	if len(passParts) != 2 {
		return Intent{}, errBadPasswordFormat
	}

	localPort, err := strconv.Atoi(passParts[0])
	if err != nil || localPort < 1 || localPort > 65535 {
		return Intent{}, errBadLocalPort
	}

	if subtle.ConstantTimeCompare([]byte(passParts[1]), []byte(secret)) != 1 {
		return Intent{}, errBadSecret
	}

	return Intent{
		UserID:      parts[0],
		TunnelID:    parts[1],
		ProjectName: parts[2],
		LocalPort:   localPort,
	}, nil
}

package sshserver

import (
	"errors"
	"testing"
)

func TestParseCredentials(t *testing.T) {
	const secret = "s3cret"

	tests := []struct {
		name     string
		username string
		password string
		wantErr  error
		want     Intent
	}{
		{
			name:     "valid",
			username: "u1:t1:proj",
			password: "3000:s3cret",
			want:     Intent{UserID: "u1", TunnelID: "t1", ProjectName: "proj", LocalPort: 3000},
		},
		{
			name:     "username too few segments",
			username: "u1:t1",
			password: "3000:s3cret",
			wantErr:  errBadUsernameFormat,
		},
		{
			name:     "username too many segments",
			username: "u1:t1:proj:extra",
			password: "3000:s3cret",
			wantErr:  errBadUsernameFormat,
		},
		{
			name:     "password missing secret",
			username: "u1:t1:proj",
			password: "3000",
			wantErr:  errBadPasswordFormat,
		},
		{
			name:     "local port not a number",
			username: "u1:t1:proj",
			password: "http:s3cret",
			wantErr:  errBadLocalPort,
		},
		{
			name:     "local port zero",
			username: "u1:t1:proj",
			password: "0:s3cret",
			wantErr:  errBadLocalPort,
		},
		{
			name:     "local port too high",
			username: "u1:t1:proj",
			password: "65536:s3cret",
			wantErr:  errBadLocalPort,
		},
		{
			name:     "wrong secret",
			username: "u1:t1:proj",
			password: "3000:wrong",
			wantErr:  errBadSecret,
		},
		{
			name:     "empty secret",
			username: "u1:t1:proj",
			password: "3000:",
			wantErr:  errBadSecret,
		},
		{
			// The secret keeps any colons it contains; only the first
			// colon splits port from secret.
			name:     "secret containing colon",
			username: "u1:t1:proj",
			password: "3000:s3:cret",
			wantErr:  errBadSecret,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCredentials(tt.username, []byte(tt.password), secret)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if got != tt.want {
				t.Errorf("intent = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseCredentialsColonSecret(t *testing.T) {
	got, err := parseCredentials("u1:t1:proj", []byte("8080:a:b:c"), "a:b:c")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got.LocalPort != 8080 {
		t.Errorf("LocalPort = %d, want 8080", got.LocalPort)
	}
}

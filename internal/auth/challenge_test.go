package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChallenge(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    Challenge
		wantErr bool
	}{
		{
			name:   "docker hub",
			header: `Bearer realm="https://auth.docker.io/token",service="registry.docker.io"`,
			want:   Challenge{Realm: "https://auth.docker.io/token", Service: "registry.docker.io"},
		},
		{
			name:   "with scope",
			header: `Bearer realm="https://auth.example.com/token",service="example",scope="repository:lib/app:pull"`,
			want: Challenge{
				Realm:   "https://auth.example.com/token",
				Service: "example",
				Scope:   "repository:lib/app:pull",
			},
		},
		{
			name:   "comma inside quoted scope",
			header: `Bearer realm="https://auth.example.com/token",scope="repository:lib/app:pull,push"`,
			want: Challenge{
				Realm: "https://auth.example.com/token",
				Scope: "repository:lib/app:pull,push",
			},
		},
		{
			name:   "unquoted values",
			header: `Bearer realm=https://auth.example.com/token,service=example`,
			want:   Challenge{Realm: "https://auth.example.com/token", Service: "example"},
		},
		{
			name:   "case insensitive scheme",
			header: `bearer realm="https://auth.example.com/token"`,
			want:   Challenge{Realm: "https://auth.example.com/token"},
		},
		{
			name:    "basic scheme",
			header:  `Basic realm="registry"`,
			wantErr: true,
		},
		{
			name:    "missing realm",
			header:  `Bearer service="registry.docker.io"`,
			wantErr: true,
		},
		{
			name:    "empty header",
			header:  "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseChallenge(tt.header)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

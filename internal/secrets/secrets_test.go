package secrets

import (
	"context"
	"os"
	"testing"
)

func TestEnvProvider_Get(t *testing.T) {
	os.Setenv("HASTREAM_SECRET_DB_PASSWORD", "test-password")
	os.Setenv("API_KEY", "test-api-key")
	defer func() {
		os.Unsetenv("HASTREAM_SECRET_DB_PASSWORD")
		os.Unsetenv("API_KEY")
	}()

	p := NewEnvProvider()
	ctx := context.Background()

	tests := []struct {
		name    string
		key     string
		want    string
		wantErr error
	}{
		{name: "get prefixed secret", key: "db_password", want: "test-password"},
		{name: "get raw key", key: "API_KEY", want: "test-api-key"},
		{name: "secret not found", key: "nonexistent", wantErr: ErrSecretNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Get(ctx, tt.key)
			if tt.wantErr != nil {
				if err != tt.wantErr {
					t.Errorf("Get() error = %v, wantErr %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Get() unexpected error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Get() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnvProvider_GetWithMetadata(t *testing.T) {
	os.Setenv("HASTREAM_SECRET_TOKEN", "shh")
	defer os.Unsetenv("HASTREAM_SECRET_TOKEN")

	p := NewEnvProvider()
	secret, err := p.GetWithMetadata(context.Background(), "token")
	if err != nil {
		t.Fatalf("GetWithMetadata() error = %v", err)
	}
	if secret.Value != "shh" {
		t.Errorf("Value = %v, want shh", secret.Value)
	}
	if secret.Metadata["source"] != "environment" {
		t.Errorf("Metadata[source] = %v, want environment", secret.Metadata["source"])
	}
}

func TestEnvProvider_Healthy(t *testing.T) {
	p := NewEnvProvider()
	if !p.Healthy(context.Background()) {
		t.Error("Healthy() = false, want true")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{name: "env provider ok", cfg: &Config{Provider: ProviderTypeEnv}, wantErr: false},
		{name: "unknown provider", cfg: &Config{Provider: "bogus"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewManager(t *testing.T) {
	m, err := NewManager(DefaultConfig())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if m.ProviderName() != "env" {
		t.Errorf("ProviderName() = %v, want env", m.ProviderName())
	}

	_, err = NewManager(&Config{Provider: "bogus"})
	if err == nil {
		t.Error("NewManager() with bad config should error")
	}
}

func TestManager_GetOrDefault(t *testing.T) {
	m, _ := NewManager(DefaultConfig())
	got := m.GetOrDefault(context.Background(), "definitely-not-set", "fallback")
	if got != "fallback" {
		t.Errorf("GetOrDefault() = %v, want fallback", got)
	}
}

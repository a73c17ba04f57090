package objectstore

import "testing"

func TestConfigValidate(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}

func TestConfigRejectsSchemeInEndpoint(t *testing.T) {
	cfg := Config{
		Endpoint:   "http://localhost:9000",
		AccessKey:  "k",
		SecretKey:  "s",
		Region:     "us-east-1",
		BucketData: "data",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected scheme rejection")
	}
}

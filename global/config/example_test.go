package config

import "testing"

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load("../../config.example.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Driver != StorePostgres || !cfg.Nats.Enabled || cfg.Log.Format != "json" {
		t.Errorf("unexpected example config %+v", cfg)
	}
}

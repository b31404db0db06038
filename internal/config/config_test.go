package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
)

func TestDefaultPaths(t *testing.T) {
	paths := DefaultPaths()

	if paths.BaseDir == "" {
		t.Error("BaseDir should not be empty")
	}
	if paths.ConsoleConfig == "" {
		t.Error("ConsoleConfig should not be empty")
	}
	if paths.RelayConfig == "" {
		t.Error("RelayConfig should not be empty")
	}
	if paths.LogDir == "" {
		t.Error("LogDir should not be empty")
	}

	if filepath.Dir(paths.ConsoleConfig) != paths.BaseDir {
		t.Error("ConsoleConfig should live in BaseDir")
	}
	if filepath.Dir(paths.RelayConfig) != paths.BaseDir {
		t.Error("RelayConfig should live in BaseDir")
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, consoleFileName)

	raw := `{
		"relay": "wss://relay.example.com",
		"password": "hunter2",
		"stream": {"scale_cap": 0.8, "frame_rate": 24},
		"batch": {"panel_width": 1600, "columns": 5},
		"ice_servers": [{"urls": "turn:turn.example.com:3478", "username": "u", "credential": "p"}]
	}`
	if err := os.WriteFile(configPath, []byte(raw), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Relay != "wss://relay.example.com" {
		t.Errorf("Relay = %s, want wss://relay.example.com", loaded.Relay)
	}
	if loaded.Password != "hunter2" {
		t.Errorf("Password = %s, want hunter2", loaded.Password)
	}
	if loaded.Stream.ScaleCap != 0.8 {
		t.Errorf("Stream.ScaleCap = %v, want 0.8", loaded.Stream.ScaleCap)
	}
	if loaded.Stream.FrameRate != 24 {
		t.Errorf("Stream.FrameRate = %d, want 24", loaded.Stream.FrameRate)
	}
	if loaded.Batch.PanelWidth != 1600 || loaded.Batch.Columns != 5 {
		t.Errorf("Batch = %+v, want panel 1600 columns 5", loaded.Batch)
	}
	if len(loaded.ICEServers) != 1 {
		t.Fatalf("ICEServers count = %d, want 1", len(loaded.ICEServers))
	}
	if got := loaded.ICEServers[0].URLs; len(got) != 1 || got[0] != "turn:turn.example.com:3478" {
		t.Errorf("ICEServers[0].URLs = %v, want single turn URL", got)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, consoleFileName)

	if err := os.WriteFile(configPath, []byte(`{"relay": "ws://127.0.0.1:46980"}`), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Stream.FrameRate != 30 {
		t.Errorf("default FrameRate = %d, want 30", loaded.Stream.FrameRate)
	}
	if loaded.Stream.BatchFrameRate != 10 {
		t.Errorf("default BatchFrameRate = %d, want 10", loaded.Stream.BatchFrameRate)
	}
	if loaded.Stream.KeyframeSeconds != 3 {
		t.Errorf("default KeyframeSeconds = %d, want 3", loaded.Stream.KeyframeSeconds)
	}
	if loaded.Batch.PanelWidth != 1280 || loaded.Batch.Columns != 4 || loaded.Batch.DPR != 1 {
		t.Errorf("default Batch = %+v", loaded.Batch)
	}
	if loaded.Governor.MaxStreams != 12 {
		t.Errorf("default MaxStreams = %d, want 12", loaded.Governor.MaxStreams)
	}
	if loaded.Governor.CooldownSeconds != 30 {
		t.Errorf("default CooldownSeconds = %d, want 30", loaded.Governor.CooldownSeconds)
	}
	if loaded.Stream.ScaleCap != 0 {
		t.Errorf("ScaleCap = %v, want 0 (uncapped)", loaded.Stream.ScaleCap)
	}
}

func TestLoadNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err != ErrConfigNotFound {
		t.Errorf("Load should return ErrConfigNotFound, got %v", err)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, consoleFileName)
	if err := os.WriteFile(configPath, []byte("invalid json{"), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("Load should fail for invalid JSON")
	}
}

func TestLoadMissingRelay(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, consoleFileName)
	if err := os.WriteFile(configPath, []byte(`{"password": "x"}`), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("Load should fail when relay is missing")
	}
}

func TestLoadRejectsBadScaleCap(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, consoleFileName)
	if err := os.WriteFile(configPath, []byte(`{"relay": "ws://x", "stream": {"scale_cap": 1.5}}`), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load should reject scale_cap above 1")
	}
	if !strings.Contains(err.Error(), "scale_cap") {
		t.Errorf("error = %v, want mention of scale_cap", err)
	}
}

func TestSave(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, consoleFileName)

	cfg := New("wss://relay.example.com", "hunter2", Paths{ConsoleConfig: configPath})
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("saved config missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != configFileMode {
		t.Errorf("file mode = %o, want %o", perm, configFileMode)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("failed to parse saved config: %v", err)
	}
	if loaded.Relay != "wss://relay.example.com" {
		t.Errorf("Relay = %s, want wss://relay.example.com", loaded.Relay)
	}
	if loaded.Stream.FrameRate != 30 {
		t.Errorf("saved FrameRate = %d, want 30", loaded.Stream.FrameRate)
	}
}

func TestSaveNoPath(t *testing.T) {
	cfg := &Config{Relay: "ws://x"}
	if err := cfg.Save(); err == nil {
		t.Error("Save should fail when filePath is not set")
	}
}

func TestNewDefaults(t *testing.T) {
	cfg := New("ws://relay", "pw", Paths{ConsoleConfig: "/tmp/x.json"})

	if cfg.Relay != "ws://relay" {
		t.Errorf("Relay = %s, want ws://relay", cfg.Relay)
	}
	if cfg.Password != "pw" {
		t.Errorf("Password = %s, want pw", cfg.Password)
	}
	if cfg.Governor.SustainedSamples != 3 {
		t.Errorf("SustainedSamples = %d, want 3", cfg.Governor.SustainedSamples)
	}
	if cfg.Batch.DPR != 1 {
		t.Errorf("DPR = %v, want 1", cfg.Batch.DPR)
	}
}

func TestAccessors(t *testing.T) {
	cfg := &Config{
		Relay:          "ws://relay",
		Password:       "pw",
		LastConnection: "2026-01-01T00:00:00Z",
	}

	if cfg.GetRelay() != "ws://relay" {
		t.Error("GetRelay failed")
	}
	if cfg.GetPassword() != "pw" {
		t.Error("GetPassword failed")
	}
	if cfg.GetLastConnection() != "2026-01-01T00:00:00Z" {
		t.Error("GetLastConnection failed")
	}

	cfg.SetPassword("new-pw")
	if cfg.GetPassword() != "new-pw" {
		t.Error("SetPassword failed")
	}
	cfg.SetLastConnection("2026-02-01T00:00:00Z")
	if cfg.LastConnection != "2026-02-01T00:00:00Z" {
		t.Error("SetLastConnection failed")
	}
}

func TestRelayConfigDefaults(t *testing.T) {
	rc := DefaultRelayConfig()

	if rc.Listen != ":46980" {
		t.Errorf("Listen = %s, want :46980", rc.Listen)
	}
	if rc.DevicePort != DefaultDevicePort {
		t.Errorf("DevicePort = %d, want %d", rc.DevicePort, DefaultDevicePort)
	}
	if rc.PollSeconds != 15 {
		t.Errorf("PollSeconds = %d, want 15", rc.PollSeconds)
	}
}

func TestLoadRelay(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, relayFileName)

	raw := `{"listen": ":9000", "password": "pw", "ice_servers": [{"urls": ["turn:a", "turn:b"]}]}`
	if err := os.WriteFile(configPath, []byte(raw), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	rc, err := LoadRelay(configPath)
	if err != nil {
		t.Fatalf("LoadRelay failed: %v", err)
	}
	if rc.Listen != ":9000" {
		t.Errorf("Listen = %s, want :9000", rc.Listen)
	}
	if rc.Password != "pw" {
		t.Errorf("Password = %s, want pw", rc.Password)
	}
	// Omitted fields keep the stock defaults.
	if rc.DevicePort != DefaultDevicePort {
		t.Errorf("DevicePort = %d, want %d", rc.DevicePort, DefaultDevicePort)
	}
	if len(rc.ICEServers) != 1 || len(rc.ICEServers[0].URLs) != 2 {
		t.Errorf("ICEServers = %+v, want one server with two URLs", rc.ICEServers)
	}
}

func TestLoadRelayNotFound(t *testing.T) {
	_, err := LoadRelay("/nonexistent/relay.json")
	if err != ErrConfigNotFound {
		t.Errorf("LoadRelay should return ErrConfigNotFound, got %v", err)
	}
}

func TestRelayConfigSave(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "sub", relayFileName)

	rc := DefaultRelayConfig()
	rc.Password = "pw"
	if err := rc.Save(configPath); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := LoadRelay(configPath)
	if err != nil {
		t.Fatalf("LoadRelay after Save failed: %v", err)
	}
	if loaded.Password != "pw" {
		t.Errorf("Password = %s, want pw", loaded.Password)
	}
}

func TestEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	paths := Paths{
		BaseDir: filepath.Join(tmpDir, "base"),
		LogDir:  filepath.Join(tmpDir, "log"),
	}

	if err := EnsureDirectories(paths); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	for _, dir := range []string{paths.BaseDir, paths.LogDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Errorf("directory %s not created: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s should be a directory", dir)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	cfg := &Config{Relay: "ws://relay", Password: "initial"}

	done := make(chan bool)

	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				_ = cfg.GetRelay()
				_ = cfg.GetPassword()
			}
			done <- true
		}()
	}

	for i := 0; i < 5; i++ {
		go func(id int) {
			for j := 0; j < 100; j++ {
				cfg.SetPassword("pw-" + string(rune('0'+id)))
				cfg.SetLastConnection("2026-01-01")
			}
			done <- true
		}(i)
	}

	for i := 0; i < 15; i++ {
		<-done
	}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# VI Trader Configuration

# Trading mode: "live" or "paper"
mode = "paper"

[broker]
# Use the KIS live endpoints (false selects the paper trading domain)
live = false
# Realtime TR IDs for VI triggers and trade prints
vi_tr = "H0STCNT0"
trade_tr = "H0STASP0"
# A trade this long after a trigger is taken as the VI release
release_after = "120s"
# KIS allows about 41 realtime registrations per session
max_subscriptions = 40
reconnect_attempts = 3
reconnect_delay = "5s"
request_timeout = "5s"
fill_poll_interval = "1s"
paper_initial_cash = 10000000.0

[strategy]
# Time after release during which one entry may be taken
decision_window = "5s"
# Fewer post-release ticks than this means no entry
min_post_release_ticks = 3
window_size = 64
# Minimum rise from the release price, in percent
min_momentum_pct = 1.0
min_window_volume = 0
max_spread_pct = 0.5
# 0 disables the overextension check against the trigger price
max_chase_pct = 0.0
allow_downside_vi = false
# Fixed quantity, or 0 to size from order_notional (KRW)
order_quantity = 0
order_notional = 1000000.0
use_limit_orders = false
limit_slippage_pct = 0.3
take_profit_pct = 3.0
max_hold_time = "10m"

[risk]
# Unrealized loss that forces a risk stop, in percent
stop_loss_pct = 5.0
max_concurrent_positions = 3
# Re-entry block after a completed or risk-stopped cycle
cooldown = "10m"

[execution]
gateway_timeout = "3s"
entry_order_ttl = "30s"

[execution.retry]
max_attempts = 5
initial_delay = "200ms"
max_delay = "5s"
multiplier = 2.0

[execution.circuit_breaker]
failure_threshold = 5
success_threshold = 1
timeout = "15s"

[symbols]
# Empty enabled list trades every symbol that is not disabled
enabled = []
disabled = []

[session]
timezone = "Asia/Seoul"
open = "09:00"
close = "15:30"
flatten_at = "15:20"
holidays = []

[notifications]
enabled = true
# Minimum level: info, warning, critical
level = "info"
terminal = true

[notifications.discord]
enabled = false
webhook_url = ""

[notifications.webhook]
enabled = false
url = ""

[notifications.telegram]
enabled = false
bot_token = ""
chat_id = ""

[notifications.redis]
enabled = false
addr = "localhost:6379"
channel = "vi-trader:events"

[server]
enabled = true
addr = "127.0.0.1:8088"

[journal]
enabled = true

[recorder]
enabled = false

[logging]
level = "info"
console = true
file = true
`

const credentialsTemplate = `# KIS Open API credentials
# Environment variables APP_KEY, APP_SECRET, CANO, ACNT_PRDT_CD and HTS_ID
# take precedence over this file.

app_key = ""
app_secret = ""
account_number = ""
account_product_code = "01"
hts_id = ""
`

// WriteTemplates writes config and credentials templates into configDir.
// Existing files are kept unless force is set.
func WriteTemplates(configDir string, force bool) ([]string, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	var written []string
	for _, f := range []struct {
		name    string
		content string
		perm    os.FileMode
	}{
		{"config.toml", configTemplate, 0644},
		{"credentials.toml", credentialsTemplate, 0600},
	} {
		path := filepath.Join(configDir, f.name)
		if _, err := os.Stat(path); err == nil && !force {
			continue
		}
		if err := writeTemplate(configDir, f.name, f.content, f.perm); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

func createTemplateConfig(configDir string) error {
	return writeTemplate(configDir, "config.toml", configTemplate, 0644)
}

func createTemplateCredentials(configDir string) error {
	// Use restricted permissions for credentials file
	return writeTemplate(configDir, "credentials.toml", credentialsTemplate, 0600)
}

func writeTemplate(configDir, name, content string, perm os.FileMode) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name)
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		return fmt.Errorf("writing %s template: %w", name, err)
	}
	return nil
}

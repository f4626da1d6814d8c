package config

// -----------------------------------------------------------------------------
// Embedded configuration
//
// Key: profile name (host builds default to "host", rp2040 builds to "pico").
// Val: YAML. Every key that may be overridden from the environment must be
// present here.
// -----------------------------------------------------------------------------

const cfgHost = `
device:
  id: ""
  profile: host
log:
  level: info
  format: text
  console: true
  file:
    path: ""
    max_size_mb: 10
    max_backups: 3
    max_age_days: 7
    compress: true
poll:
  interval: 1s
battery:
  backend: sim
  check_interval: 10s
  min_voltage: 3.0
  max_voltage: 4.2
  low_threshold: 20
  critical_threshold: 5
  temp_warning: 45
  temp_critical: 55
  cells: 1
  rsnsb_uohm: 3300
  charge_on_init: false
network:
  ssid: devicecore
  password: ""
  server: 127.0.0.1:8080
  link_timeout: 30s
  dial_timeout: 5s
  send_timeout: 5s
  rx_buffer: 1024
  auto_reconnect: true
  connect_retries: 3
  retry_delay: 1s
  hello: "Hello from devicecore!"
power:
  idle_timeout: 60s
  sleep_settle: 100ms
  sleep_on_critical: true
  wake_after: 0s
uart:
  enabled: false
  name: uart1
  path: stdio
  baud: 115200
  ring_size: 4096
  read_chunk: 256
  mode: lines
telemetry:
  enabled: true
  listen: 127.0.0.1:9100
uplink:
  enabled: false
  broker: tcp://127.0.0.1:1883
  client_id: ""
  username: ""
  password: ""
  topic_prefix: devicecore
  qos: 0
  queue_len: 64
  connect_timeout: 5s
`

const cfgPico = `
device:
  id: pico
  profile: pico
log:
  level: info
  format: text
  console: true
  file:
    path: ""
    max_size_mb: 0
    max_backups: 0
    max_age_days: 0
    compress: false
poll:
  interval: 1s
battery:
  backend: ltc4015
  check_interval: 10s
  min_voltage: 3.0
  max_voltage: 4.2
  low_threshold: 20
  critical_threshold: 5
  temp_warning: 45
  temp_critical: 55
  cells: 1
  rsnsb_uohm: 3300
  charge_on_init: false
network:
  ssid: ""
  password: ""
  server: ""
  link_timeout: 30s
  dial_timeout: 5s
  send_timeout: 5s
  rx_buffer: 1024
  auto_reconnect: true
  connect_retries: 3
  retry_delay: 1s
  hello: "Hello from pico!"
power:
  idle_timeout: 60s
  sleep_settle: 100ms
  sleep_on_critical: true
  wake_after: 0s
uart:
  enabled: true
  name: uart1
  path: ""
  baud: 115200
  ring_size: 1024
  read_chunk: 128
  mode: bytes
telemetry:
  enabled: false
  listen: ""
uplink:
  enabled: false
  broker: ""
  client_id: ""
  username: ""
  password: ""
  topic_prefix: devicecore
  qos: 0
  queue_len: 16
  connect_timeout: 5s
`

var embeddedConfigs = map[string][]byte{
	"host": []byte(cfgHost),
	"pico": []byte(cfgPico),
}

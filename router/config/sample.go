// Copyright 2026 SCION Association
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

const idSample = "router-1"

const routerSample = `
# Comma-separated addresses of the router (host:port). The first one is the
# primary address announced to peers. (required)
names = "127.0.0.1:7000"

# Listening address. Defaults to the primary name. (default "")
listen = ""

# Role of the node. Only "router" is supported. (default "router")
role = "router"

# Routers to link to (host:port). (default [])
peers = []

# Compress multicast descriptor blocks larger than compress_threshold bytes.
# (default false)
compression = false
compress_threshold = 1024

# Authentication method (none|resvport|x25519). (default "none")
auth_method = "none"

# Encryption method. Empty disables encryption. (default "")
encrypt_method = ""

# File holding the pre-shared key of the x25519 method. (default "")
psk_file = ""

# Limit of the send queue of a connection in KB. 0 is unlimited. (default 0)
buffer_limit_kb = 0

# Debounce window of topology update notifications. (default 3s)
notify_delay = "3s"

# Reconnect backoff: reconnect_min + attempts*reconnect_step, capped at
# reconnect_max. (defaults 2s, 2s, 10s)
reconnect_min = "2s"
reconnect_step = "2s"
reconnect_max = "10s"
`

const keepaliveSample = `
# Enable TCP keepalive probes. (default true)
enabled = true

# Idle time before the first probe. (default 60s)
idle = "60s"

# Interval between probes. (default 10s)
interval = "10s"

# Unanswered probes before the connection is dropped. (default 5)
count = 5
`

// Package scripts embeds the Lua programs executed server-side in Redis.
// Embedding at compile time keeps the program text next to its adapter.
package scripts

import _ "embed"

//go:embed consume.lua
var Consume string

//go:embed penalty.lua
var Penalty string

//go:embed reward.lua
var Reward string

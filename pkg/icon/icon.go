package icon

import _ "embed"

// CallRouteLogo is the tray icon
//
//go:embed assets/callroute.ico
var CallRouteLogo []byte

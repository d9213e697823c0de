// Package route generates and activates per-port reverse-proxy route
// configs.
//
// Each active instance gets one deterministically named file in the
// proxy's include directory. Activation follows a validate-before-
// reload discipline: the candidate is written, the proxy engine
// validates its full configuration set, and only a passing validation
// triggers the hot reload. A rejected candidate is withdrawn, leaving
// the previously valid set in place.
package route

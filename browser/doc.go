// Package browser defines the typed browser capability consumed by the
// decision loop and replay engine (Driver), a Playwright-backed concrete
// implementation, the page Annotator, and the per-session single-writer
// lock that serializes tool dispatch against the periodic screenshot pump.
package browser

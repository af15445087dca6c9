// Package captcha detects CAPTCHA surfaces on the current page and attempts
// to solve them via the three ordered strategies from spec §4.4, caching the
// winning strategy per host so later visits can skip straight to it.
package captcha

// Package resolver discovers the latest published dump by scraping a remote
// directory listing for names matching a naming pattern.
//
// Ordering is purely lexicographic over the matched strings. Dump names embed
// their date as a fixed-width number, so the maximum is the newest dump.
package resolver

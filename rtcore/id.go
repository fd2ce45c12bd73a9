// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rtcore holds the process-wide identity values that every
// other pgasrt package reads but never mutates: which core this
// process is, which locale it belongs to, and how large the job is.
package rtcore

import "fmt"

// ID identifies a core within a running job. Every field is immutable
// once Init has run; see pgasrt.Init.
type ID struct {
	// Core is this process's dense core id, 0..NumCores-1.
	Core int
	// Locale is the id of the locale (physical node) this core
	// belongs to.
	Locale int
	// RankInLocale is this core's rank among the cores that share its
	// locale, 0..LocaleSize-1.
	RankInLocale int
	// LocaleSize is the number of cores in this core's locale.
	LocaleSize int
	// NumCores is the total number of cores in the job.
	NumCores int
	// NumLocales is the total number of locales in the job.
	NumLocales int
}

// String returns a short human-readable description, e.g. "core 3/16 (locale 0 rank 3/4)".
func (id ID) String() string {
	return fmt.Sprintf("core %d/%d (locale %d rank %d/%d)", id.Core, id.NumCores, id.Locale, id.RankInLocale, id.LocaleSize)
}

// IsLocalTo reports whether other belongs to the same locale as id.
func (id ID) IsLocalTo(other int) bool {
	return id.LocaleOf(other) == id.Locale
}

// LocaleOf returns the locale id that core belongs to, given this
// core's view of the uniform locale size. Locales are laid out
// contiguously: cores [locale*LocaleSize, (locale+1)*LocaleSize) belong
// to the same locale.
func (id ID) LocaleOf(core int) int {
	if id.LocaleSize == 0 {
		return 0
	}
	return core / id.LocaleSize
}

// Of derives the ID for a given core index in a uniform layout of
// numLocales locales, each with localeSize cores.
func Of(core, numLocales, localeSize int) ID {
	numCores := numLocales * localeSize
	locale := 0
	rank := 0
	if localeSize > 0 {
		locale = core / localeSize
		rank = core % localeSize
	}
	return ID{
		Core:         core,
		Locale:       locale,
		RankInLocale: rank,
		LocaleSize:   localeSize,
		NumCores:     numCores,
		NumLocales:   numLocales,
	}
}

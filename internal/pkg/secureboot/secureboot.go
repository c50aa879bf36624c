// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package secureboot contains base definitions for the Secure Boot images.
package secureboot

// Section is a name of a PE file section (UEFI binary).
type Section string

// List of sections embedded into the stub.
const (
	OSRel   Section = ".osrel"
	CMDLine Section = ".cmdline"
	Splash  Section = ".splash"
	Linux   Section = ".linux"
	Initrd  Section = ".initrd"
)

// String implements fmt.Stringer.
func (s Section) String() string {
	return string(s)
}

// VMA returns the fixed virtual address the section is placed at.
//
// The stub looks the sections up by name, the gaps between addresses leave room for
// the sections to grow without overlapping. Only the sections returned by OrderedSections
// have an address, VMA returns 0 for any other name.
func (s Section) VMA() uint64 {
	switch s {
	case OSRel:
		return 0x20000
	case CMDLine:
		return 0x30000
	case Splash:
		return 0x40000
	case Linux:
		return 0x2000000
	case Initrd:
		return 0x3000000
	default:
		return 0
	}
}

// OrderedSections returns the sections in the order they are added to the stub.
func OrderedSections() []Section {
	// DO NOT REARRANGE
	return []Section{OSRel, CMDLine, Splash, Linux, Initrd}
}

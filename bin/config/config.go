// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package config parses INI configuration files into tagged structs.
package config

import (
	"bytes"
	"fmt"

	"gopkg.in/ini.v1"
)

// flatten regenerates config data with all section headers removed, so that
// options from any section land in the target struct.
func flatten(cfgFile *ini.File) []byte {
	var buffer bytes.Buffer
	for _, section := range cfgFile.Sections() {
		for _, key := range section.Keys() {
			buffer.WriteString(fmt.Sprintf("%s=%s\n", key.Name(), key.String()))
		}
	}
	return buffer.Bytes()
}

// Parse parses config options from the provided config file path or []byte
// data into the specified struct object. Section headers are tolerated: a
// sectioned file is flattened first, since options are identified by key
// alone.
func Parse(cfgPathOrData, obj interface{}) error {
	cfgFile, err := ini.Load(cfgPathOrData)
	if err != nil {
		return err
	}

	cfgSections := cfgFile.Sections()
	if len(cfgSections) > 1 || cfgSections[0].Name() != ini.DefaultSection {
		cfgFile, err = ini.Load(flatten(cfgFile))
		if err != nil {
			return err
		}
	}

	return cfgFile.MapTo(obj)
}

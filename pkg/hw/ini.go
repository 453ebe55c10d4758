package hw

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// LoadProfiles reads a table of vendor profiles from an INI file, one
// section per profile, so an integrator can add a new eSE vendor's timing
// and addressing constants without recompiling. Section names become
// Profile.Name; keys host_addr/node_addr/bwt_us/etu_ns are hex/decimal
// integers. Mirrors the reference corpus's EDS loader
// (ini.Load + Sections()/Key() iteration over named sections), repurposed
// from object-dictionary entries to a flat constants table.
func LoadProfiles(file any) ([]Profile, error) {
	cfg, err := ini.Load(file)
	if err != nil {
		return nil, fmt.Errorf("hw: loading profile file: %w", err)
	}

	var profiles []Profile
	for _, section := range cfg.Sections() {
		name := section.Name()
		if name == ini.DefaultSection {
			continue
		}

		hostAddr, err := section.Key("host_addr").Uint()
		if err != nil {
			return nil, fmt.Errorf("hw: profile %q: host_addr: %w", name, err)
		}
		nodeAddr, err := section.Key("node_addr").Uint()
		if err != nil {
			return nil, fmt.Errorf("hw: profile %q: node_addr: %w", name, err)
		}
		bwtUs, err := section.Key("bwt_us").Int64()
		if err != nil {
			return nil, fmt.Errorf("hw: profile %q: bwt_us: %w", name, err)
		}
		etuNs, err := section.Key("etu_ns").Int64()
		if err != nil {
			return nil, fmt.Errorf("hw: profile %q: etu_ns: %w", name, err)
		}

		profile := Profile{
			Name:     name,
			HostAddr: uint8(hostAddr),
			NodeAddr: uint8(nodeAddr),
			BWT:      time.Duration(bwtUs) * time.Microsecond,
			ETU:      time.Duration(etuNs) * time.Nanosecond,
		}
		if err := profile.Validate(); err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

// LoadAndRegisterProfiles loads profiles from file and adds each to the
// package registry, returning their names in load order.
func LoadAndRegisterProfiles(file any) ([]string, error) {
	profiles, err := LoadProfiles(file)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(profiles))
	for _, p := range profiles {
		Register(p)
		names = append(names, p.Name)
	}
	return names, nil
}

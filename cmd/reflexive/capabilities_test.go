package main

import "testing"

func TestBuildCapabilitiesDefaultsToReadOnly(t *testing.T) {
	caps := buildCapabilities(flagCapabilities{})
	if !caps.ReadFiles {
		t.Error("expected ReadFiles true by default")
	}
	if caps.WriteFiles || caps.ShellAccess || caps.Inject || caps.Eval || caps.Debug {
		t.Errorf("expected every other capability false by default, got %+v", caps)
	}
}

func TestBuildCapabilitiesEvalImpliesInject(t *testing.T) {
	caps := buildCapabilities(flagCapabilities{eval: true})
	if !caps.Inject || !caps.Eval {
		t.Errorf("expected eval to imply inject, got %+v", caps)
	}
}

func TestBuildCapabilitiesIndividualFlags(t *testing.T) {
	caps := buildCapabilities(flagCapabilities{write: true, shell: true, debug: true})
	if !caps.WriteFiles || !caps.ShellAccess || !caps.Debug {
		t.Errorf("expected write/shell/debug set, got %+v", caps)
	}
	if caps.Inject || caps.Eval {
		t.Errorf("expected inject/eval left false, got %+v", caps)
	}
}

func TestBuildCapabilitiesListOverridesIndividualFlags(t *testing.T) {
	caps := buildCapabilities(flagCapabilities{
		write:            true,
		capabilitiesList: "readFiles, shellAccess",
	})
	if !caps.ReadFiles || !caps.ShellAccess {
		t.Errorf("expected readFiles and shellAccess set from list, got %+v", caps)
	}
	if caps.WriteFiles {
		t.Error("expected --capabilities list to override --write, not combine with it")
	}
}

func TestBuildCapabilitiesListIgnoresUnknownNames(t *testing.T) {
	caps := buildCapabilities(flagCapabilities{capabilitiesList: "readFiles,bogus"})
	if !caps.ReadFiles {
		t.Error("expected readFiles set")
	}
	if caps.WriteFiles || caps.ShellAccess || caps.Inject || caps.Eval || caps.Debug {
		t.Errorf("expected unknown name to be silently skipped, got %+v", caps)
	}
}

func TestBuildCapabilitiesSkipPermissionsEnablesEverything(t *testing.T) {
	caps := buildCapabilities(flagCapabilities{skipPermissions: true})
	if !caps.ReadFiles || !caps.WriteFiles || !caps.ShellAccess || !caps.Restart || !caps.Inject || !caps.Eval || !caps.Debug {
		t.Errorf("expected every capability enabled, got %+v", caps)
	}
}

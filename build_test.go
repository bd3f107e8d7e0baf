package main

import "testing"

func TestHostPort(t *testing.T) {
	data := map[string]string{
		"buildhost":             "buildhost:28847",
		"buildhost:9999":        "buildhost:9999",
		"10.0.0.1":              "10.0.0.1:28847",
		"10.0.0.1:1234":         "10.0.0.1:1234",
		"localhost.localdomain": "localhost.localdomain:28847",
	}

	for input, expected := range data {
		if given := hostPort(input, 28847); given != expected {
			t.Errorf("Expected: %s but got %s", expected, given)
		}
	}
}

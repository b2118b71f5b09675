package logging

import (
	"bytes"
	"log"
	"os"
	"testing"
)

func TestDebugSuppressedAtInfoLevel(t *testing.T) {
	SetLevel(LevelInfo)
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	Debugf("this should not appear")

	if buf.Len() > 0 {
		t.Errorf("Debugf output at LevelInfo: %s", buf.String())
	}
}

func TestDebugEmittedAtDebugLevel(t *testing.T) {
	SetLevel(LevelDebug)
	defer SetLevel(LevelInfo)
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	Debugf("test message %d", 42)

	if !bytes.Contains(buf.Bytes(), []byte("DEBUG: test message 42")) {
		t.Errorf("expected debug output, got: %s", buf.String())
	}
}

func TestSetVerboseLowersThreshold(t *testing.T) {
	SetVerbose(true)
	defer SetLevel(LevelInfo)
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	Debugf("verbose on")

	if !bytes.Contains(buf.Bytes(), []byte("DEBUG: verbose on")) {
		t.Errorf("expected debug output under SetVerbose(true), got: %s", buf.String())
	}
}

func TestErrorfAlwaysEmitted(t *testing.T) {
	SetLevel(LevelError)
	defer SetLevel(LevelInfo)
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	Errorf("boom")

	if !bytes.Contains(buf.Bytes(), []byte("ERROR: boom")) {
		t.Errorf("expected error output, got: %s", buf.String())
	}
}

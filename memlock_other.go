//go:build !linux

package main

func raiseMemlockLimit() error { return nil }

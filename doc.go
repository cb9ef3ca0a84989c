/*
Package bridgeui documents the bridgeui module.

This module is CLI-first and ships the bridgeui command:

	go install github.com/tohenk/bridgeui/cmd/bridgeui@latest

The implementation packages live under internal/ and are not a stable
public Go API.
*/
package bridgeui

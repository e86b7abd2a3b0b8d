//go:build windows

package main

import "syscall"

const cpUTF8 = 65001

// prepareConsole switches the console code page to UTF-8 so streamed replies render
func prepareConsole() {
	proc := syscall.NewLazyDLL("kernel32.dll").NewProc("SetConsoleOutputCP")
	if proc.Find() != nil {
		return
	}
	proc.Call(uintptr(cpUTF8))
}

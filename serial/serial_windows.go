// SPDX-License-Identifier: MIT

// +build windows

package serial

var defaultConfig = Config{
	port: "COM1",
	baud: 115200,
}

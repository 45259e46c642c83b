// Command spindlesync runs the spindle synchronisation controller on a
// Linux host, against a simulated spindle, or as a console to a controller
// on a serial port.
package main

func main() {
	Execute()
}

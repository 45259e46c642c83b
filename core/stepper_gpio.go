package core

import "fmt"

// DriverStepperBackend steps through a GPIODriver. It is the portable
// fallback for hosts where step timing is bounded by the driver latency.
type DriverStepperBackend struct {
	driver     GPIODriver
	stepPin    GPIOPin
	dirPin     GPIOPin
	invertStep bool
	invertDir  bool
}

// NewDriverStepperBackend creates a backend on top of driver
func NewDriverStepperBackend(driver GPIODriver) *DriverStepperBackend {
	return &DriverStepperBackend{driver: driver}
}

// Init configures the step and direction outputs
func (b *DriverStepperBackend) Init(stepPin, dirPin GPIOPin, invertStep, invertDir bool) error {
	b.stepPin = stepPin
	b.dirPin = dirPin
	b.invertStep = invertStep
	b.invertDir = invertDir

	if err := b.driver.ConfigureOutput(stepPin); err != nil {
		return fmt.Errorf("step pin %d: %w", stepPin, err)
	}
	if err := b.driver.ConfigureOutput(dirPin); err != nil {
		return fmt.Errorf("dir pin %d: %w", dirPin, err)
	}
	_ = b.driver.SetPin(stepPin, invertStep)
	_ = b.driver.SetPin(dirPin, invertDir)
	return nil
}

// Step generates a single step pulse
func (b *DriverStepperBackend) Step() {
	_ = b.driver.SetPin(b.stepPin, !b.invertStep)
	_ = b.driver.SetPin(b.stepPin, b.invertStep)
}

// SetDirection sets the direction output
func (b *DriverStepperBackend) SetDirection(dir bool) {
	_ = b.driver.SetPin(b.dirPin, dir != b.invertDir)
}

// Stop leaves the step pin at its idle level
func (b *DriverStepperBackend) Stop() {
	_ = b.driver.SetPin(b.stepPin, b.invertStep)
}

// GetName returns the backend name
func (b *DriverStepperBackend) GetName() string {
	return "GPIO-driver"
}

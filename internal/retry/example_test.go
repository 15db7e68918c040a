package retry_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reef-prof/reef/internal/retry"
)

var ErrTransient = errors.New("transient error")

// Example demonstrates basic retry usage with exponential backoff.
func Example() {
	cfg := retry.Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     1 * time.Second,
		Jitter:         0.1,
	}

	attempt := 0
	err := retry.Do(context.Background(), cfg, func() error {
		attempt++
		if attempt < 3 {
			return ErrTransient
		}
		return nil
	}, func(err error) bool {
		return errors.Is(err, ErrTransient)
	})

	if err != nil {
		fmt.Printf("Failed: %v\n", err)
	} else {
		fmt.Printf("Succeeded after %d attempts\n", attempt)
	}
	// Output: Succeeded after 3 attempts
}

// Example_attachConflict demonstrates retrying an attach to a process whose
// previous tracer is still detaching.
func Example_attachConflict() {
	cfg := retry.Config{
		MaxRetries:     10,
		InitialBackoff: 2 * time.Millisecond,
		Jitter:         0.5,
	}

	err := retry.Do(context.Background(), cfg, func() error {
		// Simulate the ptrace attach that might hit the previous tracer.
		return nil
	}, func(err error) bool {
		// Only retry while the target is still held by another tracer.
		return err.Error() == "target process is already traced"
	})

	if err != nil {
		fmt.Printf("Attach failed: %v\n", err)
	} else {
		fmt.Println("Attach succeeded")
	}
	// Output: Attach succeeded
}

// Example_withTimeout demonstrates using a context with timeout.
func Example_withTimeout() {
	cfg := retry.Config{
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err := retry.Do(ctx, cfg, func() error {
		return errors.New("always fails")
	}, nil)

	if errors.Is(err, context.DeadlineExceeded) {
		fmt.Println("Operation timed out")
	} else {
		fmt.Printf("Failed: %v\n", err)
	}
	// Output: Operation timed out
}

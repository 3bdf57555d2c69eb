package progress

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBar(t *testing.T) {
	MaxUpdateFrequency = 0
	var buf bytes.Buffer
	bar := New(&buf, "epoch 1", 3)
	for range 3 {
		bar.Update(1, Metric{"nll", "3.25"}, Metric{"bpd", "1.5"}, Metric{"lr", "1e-3"})
	}
	bar.Finish()
	out := buf.String()
	assert.Contains(t, out, "nll")
	assert.Contains(t, out, "bpd")
	assert.Contains(t, out, "3 of 3")
	assert.Equal(t, 3, bar.done)
}

func TestBarElapsed(t *testing.T) {
	MaxUpdateFrequency = 0
	var buf bytes.Buffer
	bar := New(&buf, "epoch 2", 1)
	bar.start = time.Now().Add(-90 * time.Minute)
	bar.Update(1)
	bar.Finish()
	assert.Contains(t, buf.String(), "Elapsed")
	assert.Contains(t, buf.String(), "1.00h")
}

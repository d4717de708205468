// Package logging provides the leveled diagnostic logger used by the wrapper.
package logging

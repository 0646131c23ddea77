/*
Package errors provides structured error handling for the rate limiting core.

It defines a standard AppError type that includes:
  - Error Code (standardized strings like CONFIGURATION, STORAGE)
  - Message (human-readable description)
  - Underlying Error (chaining)

It also provides helpers for wrapping backend driver errors and for
classifying an error by code without unwrapping it manually.
*/
package errors

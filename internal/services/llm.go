package services

import "errors"

// LLMParameters holds the sampling parameters shared by the providers. A nil field leaves the provider's
// default in place.
type LLMParameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	Stop        []string `yaml:"stop"`
	Seed        *int     `yaml:"seed"`
}

var errEmptyInput = errors.New("input is empty")

const errLoggerKey = "error"

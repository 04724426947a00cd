package models

// EnvState is the lifecycle position of an isolated package environment.
type EnvState string

const (
	EnvAbsent    EnvState = "absent"
	EnvCreated   EnvState = "created"
	EnvPopulated EnvState = "populated"
	EnvTornDown  EnvState = "torn-down"
)

package models

// TestSuite is a set of test shards run in parallel, followed by a single
// coverage aggregation once every shard has finished.
type TestSuite struct {
	Workers  int         `yaml:"workers"`
	Shards   []TestShard `yaml:"shards"`
	Coverage string      `yaml:"coverage,omitempty"`
}

// TestShard is one independently runnable slice of the test suite.
type TestShard struct {
	Name string `yaml:"name"`
	Run  string `yaml:"run"`
}

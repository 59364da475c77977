package app

const (
	Name           = "meshcore-analyzer"
	ConfigFilename = "config.json"
	LogFilename    = "analyzer.log"
)

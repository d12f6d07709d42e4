package core

// ServiceRegistry holds all domain services
type ServiceRegistry struct {
	Commands *CommandService
	Reads    *ReadService
	Ingest   *IngestService
	Poller   *CommandPoller
}

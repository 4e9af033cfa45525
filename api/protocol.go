package api

// Method names
const (
	MethodVersion         = "version"
	MethodCreateContainer = "create_container"
)

// Request is the control message sent to the monitor
type Request struct {
	ID     uint64 // matches the reply
	Method string // name of the method

	CreateContainer *CreateContainerRequest // create_container argument
}

// CreateContainerRequest creates and supervises a container
type CreateContainerRequest struct {
	ID         string   // unique container id
	Terminal   bool     // allocate a pty instead of pipes
	BundlePath string   // OCI bundle, the runtime writes BundlePath/pidfile
	ExitPaths  []string // files receiving the exit status
}

// Response is the reply message sent back to the client
type Response struct {
	ID    uint64
	Error *ErrorReply // nil if no error

	Version         *VersionResponse
	CreateContainer *CreateContainerResponse
}

// VersionResponse is the build metadata of the monitor
type VersionResponse struct {
	Version   string
	Tag       string
	Commit    string
	BuildDate string
	GoVersion string
}

// CreateContainerResponse carries the pid of the container entrypoint
type CreateContainerResponse struct {
	ContainerPID uint32
}

// ErrorReply stores the error returned back from the monitor
type ErrorReply struct {
	Msg string
}

func (e *ErrorReply) Error() string {
	return e.Msg
}

package shell

// Host identifies the runner a command executes on. An empty or localhost
// URL selects the local shell; any other URL is dialled over ssh.
type Host struct {
	URL         string `json:"url,omitempty" description:"runner host url, empty for the local shell"`
	Credentials string `json:"credentials,omitempty" description:"scy credentials resource for ssh hosts"`
}

// Input represents a shell step invocation.
type Input struct {
	Host *Host `json:"host,omitempty" description:"host to execute commands on" internal:"true"`
	// Session scopes the pooled shell. Invocations sharing a session keep
	// one shell (and its working directory); distinct sessions never
	// interleave, so concurrent job runs stay isolated.
	Session      string            `json:"session,omitempty" description:"shell session identifier, one per job run" internal:"true"`
	Workdir      string            `json:"workdir,omitempty" description:"directory commands start in"`
	Env          map[string]string `json:"env,omitempty" description:"environment variables set before commands run"`
	Commands     []string          `json:"commands,omitempty" description:"commands to execute on the runner"`
	TimeoutMs    int               `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty" description:"max wait time before a command times out"`
	AbortOnError *bool             `json:"abortOnError,omitempty" description:"stop after the first command exiting non zero"`
}

func (i *Input) Init() {
	if i.Host == nil {
		i.Host = &Host{}
	}
	if i.Host.URL == "" {
		i.Host.URL = "bash://localhost/"
	}
}

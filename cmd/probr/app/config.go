package app

const (
	AppName    = "probr"
	AppVersion = "v0.1.0"
)

// Config is everything probr takes from the command line.
type Config struct {
	Relays     []string `arg:"positional" help:"relay URLs to probe, the well known public relays when empty"`
	Timeout    int      `arg:"-t,--timeout" default:"10" help:"per-relay probe timeout in seconds"`
	Kind       int      `arg:"-k,--kind" default:"1" help:"event kind for the sample query"`
	Limit      int      `arg:"-n,--limit" default:"5" help:"how many events the sample query asks for"`
	JSON       bool     `arg:"-j,--json" help:"emit one JSON report per relay instead of text"`
	SkipInfo   bool     `arg:"--noinfo" help:"skip fetching the NIP-11 information document"`
	Aggressive bool     `arg:"--aggressive" help:"probe with the strict background throttling profile"`
	LogLevel   string   `arg:"--loglevel" default:"info" help:"set log level [off,fatal,error,warn,info,debug,trace]"`
}

func (Config) Version() string { return AppName + " " + AppVersion }

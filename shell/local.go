package shell

import "tvam/engine"

// Local runs commands on an engine in this process.
type Local struct {
	Engine  *engine.Engine
	Session *engine.Session
}

func NewLocal(e *engine.Engine) *Local {
	return &Local{Engine: e, Session: e.NewSession()}
}

func (l *Local) Execute(line string) (engine.ResultSet, error) {
	return l.Session.Execute(line)
}

func (l *Local) Status() (*engine.Status, error) {
	return l.Engine.Status()
}

func (l *Local) Close() error {
	return l.Session.Close()
}

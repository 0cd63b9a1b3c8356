package transfer

import (
	"context"

	"github.com/pkg/sftp"

	"github.com/andrej220/devterm/pkg/executor"
	"github.com/andrej220/devterm/pkg/lg"
)

type Connector interface {
	Connect(ctx context.Context, profileID string) (*executor.Client, error)
}

// Engine runs uploads on a fresh connection per transfer.
type Engine struct {
	Connector Connector
	Logger    lg.Logger
}

// Transfer plans the upload, connects to profileID, opens an SFTP channel and
// runs the plan. The connection and channel are closed before returning.
func (e *Engine) Transfer(ctx context.Context, profileID, localPath, remotePath string, selection []string, onProgress ProgressFunc) (Summary, error) {
	plan, err := NewPlan(localPath, remotePath, selection)
	if err != nil {
		return Summary{}, err
	}

	client, err := e.Connector.Connect(ctx, profileID)
	if err != nil {
		return Summary{}, err
	}
	defer client.Close()

	sc, err := sftp.NewClient(client.SSH)
	if err != nil {
		return Summary{}, &Error{Op: "sftp", Path: plan.Remote, Err: err}
	}
	defer sc.Close()

	logger := lg.OrDiscard(e.Logger).With(lg.String("profile", profileID))
	logger.Debug("upload planned", lg.Int("files", plan.Total()), lg.Int("dirs", len(plan.Dirs)))

	u := &Uploader{FS: SFTP{Client: sc}, Logger: logger}
	return u.Run(ctx, plan, onProgress)
}

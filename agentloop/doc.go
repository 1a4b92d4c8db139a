// Package agentloop runs a governed agent loop for one local session.
//
// A Controller owns the session and at most one task at a time. The task
// advances in steps: each step makes one model call and dispatches the
// tool calls the model asked for, every one of them checked against the
// session's policy snapshot. Calls that need a human decision wait on the
// approval gate; denied calls come back to the model as "Permission
// denied" tool results and the task keeps going.
//
// Session and task lifecycles are explicit state machines (see
// lifecycle.go). Transitions return the effects they require, such as a
// checkpoint write at every step boundary or a thread upload when a task
// ends, and the Controller performs them.
//
// # Usage
//
//	c, err := agentloop.NewController(agentloop.Deps{
//		Registrar: registrar,
//		Model:     model,
//		Host:      host,
//	}, agentloop.Settings{Model: "claude-sonnet-4-5"})
//	if err != nil {
//		return err
//	}
//	if err := c.Start(ctx, handshake); err != nil {
//		return err
//	}
//	events, unsubscribe := c.Subscribe()
//	defer unsubscribe()
//	taskID, err := c.StartTask(ctx, "fix the failing test", agentloop.TaskOptions{})
//
// Notifications arrive on events until the task reaches a terminal state.
// After a crash, Recover resumes from the newest checkpoint under the
// configured directory.
package agentloop

/*
Package lexedge is the request-scoped execution and delivery core of a
conversational legal assistant.

A turn arrives on a real-time channel, is bound to a persistent session, runs
as a cancellable task against a language-model capability, and its single
result is delivered back to the one connection currently bound to that session.

# Components

  - SessionStore (pkg/ports): durable conversation state with memory, SQLite
    and Redis adapters.
  - TaskRegistry (pkg/tasks): tracks cancellable work per session.
  - DeliveryRouter (pkg/delivery): at most one live connection per session.
  - ExecutionCoordinator (pkg/coordinator): resolve, preprocess, dispatch,
    stream, commit, with classified retries.
  - SessionFirewall (pkg/firewall): expires idle sessions in the background.

# Usage

New wires every component from configuration. The collaborators are built once
and shared; Cleanup resets them all and Close releases the store.

	cfg, err := config.Load("lexedge.yaml")
	if err != nil {
		log.Fatal(err)
	}
	app, err := lexedge.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer app.Close()

	app.Start(ctx)
	res := app.Coordinator.Handle(ctx, coordinator.Turn{
		UserID:    "alice",
		SessionID: "s1",
		Text:      "Summarize the termination clause.",
	})
	fmt.Println(res.Status, res.Text)
*/
package lexedge

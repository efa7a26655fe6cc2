package observers

import (
	einocb "github.com/cloudwego/eino/callbacks"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"
)

// NewAllCallbacks returns the logging handler attached to every graph run:
// orchestrator nodes, chat models and tools. System prompts are rendered once
// when the graph is built, so there is no prompt handler.
func NewAllCallbacks() einocb.Handler {
	return callbackHelper.NewHandlerHelper().
		Lambda(newNodeHandler()).
		ChatModel(newModelHandler()).
		Tool(newToolHandler()).
		Handler()
}

package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"teamline/internal/domain"
	"teamline/internal/engine"
	"teamline/internal/repo"
)

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateItemRequest
	}) (*itemOutput, error) {
		it, err := e.CreateItem(ctx, engine.CreateItemOptions{
			ID:          input.Body.ID,
			MissionID:   input.Body.MissionID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Stage:       domain.Stage(input.Body.Stage),
			DependsOn:   input.Body.DependsOn,
			ActorID:     actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &itemOutput{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		MissionID string `query:"mission_id"`
		Stage     string `query:"stage"`
		Owner     string `query:"owner"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body itemList
	}, error) {
		items, err := e.ListItems(ctx, repo.ItemFilters{
			MissionID: input.MissionID,
			Stage:     domain.Stage(input.Stage),
			Owner:     input.Owner,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.WorkItem{}
		}
		return &struct {
			Body itemList
		}{Body: itemList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*itemOutput, error) {
		it, err := e.GetItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemOutput{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/move",
		Summary:     "Move item to another stage",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body MoveRequest
	}) (*struct {
		Body engine.MoveResult
	}, error) {
		res, err := e.Move(ctx, engine.MoveOptions{ItemID: input.ID, To: domain.Stage(input.Body.To), ActorID: actorFromContext(ctx)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.MoveResult
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/claim",
		Summary:     "Claim exclusive ownership of an item",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ClaimRequest
	}) (*struct {
		Body engine.ClaimResult
	}, error) {
		agent, authErr := actingAgent(ctx, input.Body.Agent)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Claim(ctx, input.ID, agent)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ClaimResult
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/release",
		Summary:     "Release item ownership",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body engine.ReleaseResult
	}, error) {
		res, err := e.Release(ctx, input.ID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReleaseResult
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/reject",
		Summary:     "Record a rejection",
		Description: "Reaching the rejection threshold moves the item to the blocked stage.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body RejectRequest
	}) (*struct {
		Body engine.RejectResult
	}, error) {
		agent, authErr := actingAgent(ctx, input.Body.Agent)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Reject(ctx, engine.RejectOptions{
			ItemID:   input.ID,
			Reason:   input.Body.Reason,
			Agent:    agent,
			ReturnTo: domain.Stage(input.Body.ReturnTo),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RejectResult
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "append-item-log",
		Method:      http.MethodPost,
		Path:        "/items/{id}/log",
		Summary:     "Append a work log entry",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body LogRequest
	}) (*itemOutput, error) {
		agent, authErr := actingAgent(ctx, input.Body.Agent)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.AppendLog(ctx, input.ID, domain.WorkLogEntry{Agent: agent, Outcome: input.Body.Outcome, Summary: input.Body.Summary})
		if err != nil {
			return nil, handleError(err)
		}
		return &itemOutput{Body: it}, nil
	})
}

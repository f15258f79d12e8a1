package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"teamline/internal/domain"
	"teamline/internal/engine"
)

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Start a mission",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest
	}) (*missionOutput, error) {
		m, err := e.CreateMission(ctx, engine.CreateMissionOptions{
			ID:        input.Body.ID,
			Title:     input.Body.Title,
			WIPLimits: stageLimits(input.Body.WIPLimits),
			ActorID:   actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &missionOutput{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body missionList
	}, error) {
		items, err := e.ListMissions(ctx, domain.MissionStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Mission{}
		}
		return &struct {
			Body missionList
		}{Body: missionList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mission-active",
		Method:      http.MethodGet,
		Path:        "/missions/active",
		Summary:     "Report whether any mission is active",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ActiveResponse
	}, error) {
		active, err := e.Repo.MissionActive(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActiveResponse
		}{Body: ActiveResponse{Active: active}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*missionOutput, error) {
		m, err := e.GetMission(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionOutput{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-mission-status",
		Method:      http.MethodPatch,
		Path:        "/missions/{id}/status",
		Summary:     "Pause, block or resume a mission",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body MissionStatusRequest
	}) (*missionOutput, error) {
		m, err := e.SetMissionStatus(ctx, input.ID, domain.MissionStatus(input.Body.Status), actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &missionOutput{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-final-review",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/final-review",
		Summary:     "Record the final review verdict",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body FinalReviewRequest
	}) (*missionOutput, error) {
		m, err := e.RecordFinalReview(ctx, input.ID, input.Body.Verdict, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &missionOutput{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-postcheck",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/postcheck",
		Summary:     "Record the postcheck result",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body PostcheckRequest
	}) (*missionOutput, error) {
		m, err := e.RecordPostcheck(ctx, input.ID, domain.PostcheckResult{Passed: input.Body.Passed, Checks: input.Body.Checks}, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &missionOutput{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/complete",
		Summary:     "Complete a mission",
		Description: "Requires every item done, an approved final review and a passing postcheck.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*missionOutput, error) {
		m, err := e.CompleteMission(ctx, input.ID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &missionOutput{Body: m}, nil
	})
}

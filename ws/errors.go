package ws

import (
	pb "github.com/mqy/minichat/proto"
)

func newInvalidArgumentError(req *pb.ClientMsg, errs ...string) *pb.Error {
	return &pb.Error{
		Code:   pb.ErrorCodeInvalidArguments,
		Params: errs,
		Req:    req,
	}
}

func newInternalError(req *pb.ClientMsg, err string) *pb.Error {
	return &pb.Error{
		Code:   pb.ErrorCodeInternal,
		Params: []string{err},
		Req:    req,
	}
}

func newResourceExhaustedError(req *pb.ClientMsg, err string) *pb.Error {
	return &pb.Error{
		Code:   pb.ErrorCodeResourceExhausted,
		Params: []string{err},
		Req:    req,
	}
}

func interceptError(err *pb.Error) {
	if err.Code == pb.ErrorCodeInternal {
		err.Params = []string{"temp storage error"}
	}
}

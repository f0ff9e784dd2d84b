// Copyright 2024 Cabwise Technologies GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// dev@cabwise.tech
//

package core

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Operation represents a backend storage operation compiled from an
// entity descriptor.
type Operation string

// all compiled operations
const (
	OperationCreate          Operation = "create"
	OperationRead            Operation = "read"
	OperationUpdate          Operation = "update"
	OperationDelete          Operation = "delete"
	OperationList            Operation = "list"
	OperationUpload          Operation = "upload"
	OperationVerify          Operation = "verify"
	OperationGetByEntity     Operation = "getByEntity"
	OperationCheckCompliance Operation = "checkCompliance"
	OperationLogin           Operation = "login"
	OperationRegister        Operation = "register"
	OperationStats           Operation = "stats"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Operation(s)
	switch *o {
	case OperationCreate, OperationRead, OperationUpdate, OperationDelete,
		OperationList, OperationUpload, OperationVerify, OperationGetByEntity,
		OperationCheckCompliance, OperationLogin, OperationRegister, OperationStats:
		return nil
	default:
		return fmt.Errorf("%s is not a valid Operation", s)
	}
}

// Notifier is an interface to receive entity change notifications
type Notifier interface {
	Notify(resource string, operation Operation, payload []byte)
}

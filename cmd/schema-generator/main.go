// Copyright (c) 2025 Fraunhofer AISEC
// Fraunhofer-Gesellschaft zur Foerderung der angewandten Forschung e.V.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// schema-generator reflects the image metadata types into JSON Schema
// documents, so editors and CI can validate a metadata.json file before it
// ever reaches ParseImageConfig.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/Fraunhofer-AISEC/tdxpredict/measure"
	"github.com/Fraunhofer-AISEC/tdxpredict/report"
	"github.com/invopop/jsonschema"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("service", "schema-generator")

var objects = []any{
	measure.ImageConfig{},
	measure.BootConfig{},
	measure.DirectBoot{},
	measure.IndirectBoot{},
	report.Registers{},
}

func main() {
	out := flag.String("out", "schema", "directory the schema documents are written to")
	flag.Parse()

	if err := os.MkdirAll(*out, os.ModePerm); err != nil {
		log.Fatalf("failed to create output directory: %v", err)
	}

	r := &jsonschema.Reflector{
		ExpandedStruct:            true,
		Anonymous:                 true,
		DoNotReference:            false,
		AllowAdditionalProperties: false,
	}

	for _, o := range objects {
		schema := r.Reflect(o)
		data, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			log.Fatalf("failed to marshal schema: %v", err)
		}

		f := filepath.Join(*out, fmt.Sprintf("%s.json", typeName(o)))
		if err := os.WriteFile(f, data, 0644); err != nil {
			log.Fatalf("failed to write %s: %v", f, err)
		}
		log.Infof("wrote %s", f)
	}
}

func typeName(v any) string {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
